// Package discovery implements the LAN room-discovery protocol: a client
// broadcasts a 2-byte probe (0x7F 0x7F) over UDP and any listening server
// replies with its room name padded to 32 bytes.
package discovery

import (
	"context"
	"net"
	"time"

	"github.com/irl-lan/chatrelay/internal/logging"
	"github.com/irl-lan/chatrelay/internal/metrics"
	"github.com/irl-lan/chatrelay/internal/netutil"
)

// ProbeSize is the length in bytes of the discovery probe.
const ProbeSize = 2

// ReplySize is the fixed, zero-padded length of a discovery reply.
const ReplySize = 32

// probeMagic is the fixed two-byte probe sequence.
var probeMagic = [ProbeSize]byte{0x7F, 0x7F}

// Responder answers discovery probes with a fixed room name.
type Responder struct {
	RoomName string
	pc       net.PacketConn
}

// NewResponder binds a UDP socket on addr for answering discovery probes.
func NewResponder(addr, roomName string) (*Responder, error) {
	pc, err := net.ListenPacket("udp4", addr)
	if err != nil {
		return nil, err
	}
	return &Responder{RoomName: roomName, pc: pc}, nil
}

// Addr returns the bound local address.
func (r *Responder) Addr() net.Addr { return r.pc.LocalAddr() }

// Serve answers probes until ctx is cancelled or the socket is closed.
func (r *Responder) Serve(ctx context.Context) error {
	go func() { <-ctx.Done(); _ = r.pc.Close() }()

	reply := make([]byte, ReplySize)
	copy(reply, r.RoomName)

	buf := make([]byte, ProbeSize)
	for {
		n, peer, err := r.pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		if n != ProbeSize || buf[0] != probeMagic[0] || buf[1] != probeMagic[1] {
			continue
		}
		if _, err := r.pc.WriteTo(reply, peer); err != nil {
			logging.L().Warn("discovery_reply_failed", "peer", peer.String(), "error", err)
			continue
		}
		metrics.IncDiscoveryProbeAnswered()
		logging.L().Debug("discovery_probe_answered", "peer", peer.String())
	}
}

// Close stops the responder.
func (r *Responder) Close() error { return r.pc.Close() }

// Reply pairs a responding server's address with its advertised room name.
type Reply struct {
	ServerAddr string
	RoomName   string
}

// Probe broadcasts a discovery probe to broadcastAddr (e.g.
// "255.255.255.255:20000") and streams replies to onReply as each one
// arrives, mirroring search_servers in the original broadcast client: it
// prints ("Received reply from {peer_ip}: {payload}") every datagram the
// instant it lands rather than waiting for the whole window to elapse.
// onReply may be nil. Probe returns once the read deadline passes, along
// with every reply collected during the window.
func Probe(broadcastAddr string, timeout time.Duration, onReply func(Reply)) ([]Reply, error) {
	pc, err := netutil.NewBroadcastPacketConn(":0")
	if err != nil {
		return nil, err
	}
	defer pc.Close()

	dst, err := net.ResolveUDPAddr("udp4", broadcastAddr)
	if err != nil {
		return nil, err
	}
	if _, err := pc.WriteTo(probeMagic[:], dst); err != nil {
		return nil, err
	}

	var replies []Reply
	buf := make([]byte, ReplySize)
	deadline := time.Now().Add(timeout)
	for {
		if err := pc.SetReadDeadline(deadline); err != nil {
			return replies, err
		}
		n, peer, err := pc.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return replies, nil
			}
			return replies, err
		}
		room := trimPadding(buf[:n])
		reply := Reply{ServerAddr: peer.String(), RoomName: room}
		replies = append(replies, reply)
		if onReply != nil {
			onReply(reply)
		}
	}
}

func trimPadding(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
