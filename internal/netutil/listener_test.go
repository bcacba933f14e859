//go:build linux

package netutil

import (
	"net"
	"testing"
)

func TestListen_AcceptsConnections(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", 16)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
		accepted <- err
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.Close()
	if err := <-accepted; err != nil {
		t.Fatalf("Accept: %v", err)
	}
}

func TestNewBroadcastPacketConn_Binds(t *testing.T) {
	pc, err := NewBroadcastPacketConn("0.0.0.0:0")
	if err != nil {
		t.Fatalf("NewBroadcastPacketConn: %v", err)
	}
	defer pc.Close()
	if pc.LocalAddr() == nil {
		t.Fatalf("expected bound local addr")
	}
}
