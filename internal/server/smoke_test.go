package server

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/irl-lan/chatrelay/internal/frame"
	"github.com/irl-lan/chatrelay/internal/metrics"
	"github.com/irl-lan/chatrelay/internal/registry"
	"github.com/irl-lan/chatrelay/internal/relay"
)

// fakeSink records Write calls under its own lock, used to assert the
// accept loop writes an admission line to the server's pane.
type fakeSink struct {
	mu    sync.Mutex
	lines []string
}

func (f *fakeSink) Write(line string) {
	f.lines = append(f.lines, line)
}
func (f *fakeSink) Prompt(string) (string, error) { return "", nil }
func (f *fakeSink) ClearInput()                   {}
func (f *fakeSink) Lock()                         { f.mu.Lock() }
func (f *fakeSink) Unlock()                       { f.mu.Unlock() }

func (f *fakeSink) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.lines))
	copy(out, f.lines)
	return out
}

// newTestServer wires a Registry+Relay pair exactly as cmd/chat-server does
// and starts Relay.Run alongside the server for the lifetime of ctx.
func newTestServer(t *testing.T, ctx context.Context, capacity int, opts ...ServerOption) *Server {
	t.Helper()
	reg := registry.New(capacity)
	rl := relay.New(reg, relay.PolicyDrop)
	go rl.Run(ctx)
	allOpts := append([]ServerOption{WithRegistry(reg), WithRelay(rl), WithListenAddr(":0"), WithHandshakeTimeout(2 * time.Second)}, opts...)
	srv := NewServer(allOpts...)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			t.Logf("Serve returned: %v", err)
		}
	}()
	select {
	case <-srv.Ready():
	case <-time.After(1 * time.Second):
		t.Fatalf("server did not signal readiness")
	}
	return srv
}

func dialAndHandshake(t *testing.T, ctx context.Context, addr, username string) net.Conn {
	t.Helper()
	d := net.Dialer{Timeout: 1 * time.Second}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	var cdc frame.Codec
	if _, err := cdc.EncodeTo(c, []byte(username)); err != nil {
		t.Fatalf("send handshake: %v", err)
	}
	return c
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// TestSmokeServer performs the username handshake and verifies a broadcast
// from one client reaches another.
func TestSmokeServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := newTestServer(t, ctx, 0)

	c1 := dialAndHandshake(t, ctx, srv.Addr(), "alice")
	defer c1.Close()
	c2 := dialAndHandshake(t, ctx, srv.Addr(), "bob")
	defer c2.Close()

	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) && srv.Registry.ActiveCount() < 2 {
		time.Sleep(2 * time.Millisecond)
	}
	if srv.Registry.ActiveCount() != 2 {
		t.Fatalf("expected 2 active clients, got %d", srv.Registry.ActiveCount())
	}

	var cdc frame.Codec
	if _, err := cdc.EncodeTo(c1, []byte("[alice] hello")); err != nil {
		t.Fatalf("write message: %v", err)
	}

	_ = c2.SetReadDeadline(time.Now().Add(2 * time.Second))
	payload, err := cdc.Decode(c2)
	if err != nil {
		t.Fatalf("decode broadcast: %v", err)
	}
	if string(payload) != "[alice] hello" {
		t.Fatalf("got %q, want %q", payload, "[alice] hello")
	}

	// The sender must not receive its own message back.
	_ = c1.SetReadDeadline(time.Now().Add(80 * time.Millisecond))
	if _, err := cdc.Decode(c1); err == nil || !isTimeout(err) {
		t.Fatalf("expected originator to receive nothing, err=%v", err)
	}
}

// TestSmokeAdmissionWritesDisplayLine ensures a successfully admitted
// client produces an admission line on the server's display pane.
func TestSmokeAdmissionWritesDisplayLine(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sink := &fakeSink{}
	srv := newTestServer(t, ctx, 0, WithDisplay(sink))

	c1 := dialAndHandshake(t, ctx, srv.Addr(), "alice")
	defer c1.Close()

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if len(sink.snapshot()) > 0 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	lines := sink.snapshot()
	if len(lines) == 0 {
		t.Fatalf("expected at least one admission line on the display")
	}
	if lines[0] != "[info] Received connection" {
		t.Fatalf("admission line = %q, want %q", lines[0], "[info] Received connection")
	}
}

// TestSmokeAdmissionReject ensures a client beyond capacity is sent the
// rejection message and disconnected.
func TestSmokeAdmissionReject(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := newTestServer(t, ctx, 1)

	c1 := dialAndHandshake(t, ctx, srv.Addr(), "alice")
	defer c1.Close()

	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) && srv.Registry.ActiveCount() < 1 {
		time.Sleep(2 * time.Millisecond)
	}

	c2 := dialAndHandshake(t, ctx, srv.Addr(), "bob")
	defer c2.Close()

	var cdc frame.Codec
	_ = c2.SetReadDeadline(time.Now().Add(2 * time.Second))
	payload, err := cdc.Decode(c2)
	if err != nil {
		t.Fatalf("decode rejection: %v", err)
	}
	if string(payload) != tooManyClientsMessage {
		t.Fatalf("got %q, want %q", payload, tooManyClientsMessage)
	}

	_ = c2.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 8)
	if _, err := c2.Read(buf); err == nil {
		t.Fatalf("expected rejected connection to close")
	}
}

// TestSmokeBackpressureKick ensures a slow reader is disconnected under the
// kick policy once its outbound buffer overflows.
func TestSmokeBackpressureKick(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reg := registry.New(0)
	rl := relay.New(reg, relay.PolicyKick)
	go rl.Run(ctx)
	srv := NewServer(WithRegistry(reg), WithRelay(rl), WithListenAddr(":0"), WithOutBufSize(1))
	go func() { _ = srv.Serve(ctx) }()
	<-srv.Ready()

	slow := dialAndHandshake(t, ctx, srv.Addr(), "slow")
	defer slow.Close()
	sender := dialAndHandshake(t, ctx, srv.Addr(), "sender")
	defer sender.Close()

	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) && srv.Registry.ActiveCount() < 2 {
		time.Sleep(2 * time.Millisecond)
	}

	var cdc frame.Codec
	for i := 0; i < 8; i++ {
		if _, err := cdc.EncodeTo(sender, []byte("flood")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	kickDeadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(kickDeadline) {
		if srv.Registry.ActiveCount() < 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected slow client to be kicked, active=%d", srv.Registry.ActiveCount())
}

// TestSmokeMetrics sanity-checks that TCP rx/tx counters move.
func TestSmokeMetrics(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := newTestServer(t, ctx, 0)
	pre := metrics.Snap()

	c1 := dialAndHandshake(t, ctx, srv.Addr(), "alice")
	defer c1.Close()
	c2 := dialAndHandshake(t, ctx, srv.Addr(), "bob")
	defer c2.Close()

	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) && srv.Registry.ActiveCount() < 2 {
		time.Sleep(2 * time.Millisecond)
	}

	var cdc frame.Codec
	for i := 0; i < 3; i++ {
		if _, err := cdc.EncodeTo(c1, []byte("hi")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	_ = c2.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 3; i++ {
		if _, err := cdc.Decode(c2); err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
	}

	post := metrics.Snap()
	if d := post.TCPRx - pre.TCPRx; d < 3 {
		t.Fatalf("expected >=3 TCPRx delta, got %d", d)
	}
	if d := post.TCPTx - pre.TCPTx; d < 3 {
		t.Fatalf("expected >=3 TCPTx delta, got %d", d)
	}
}

// TestSmokeMalformedFrame ensures an oversized length header counts an
// error.
func TestSmokeMalformedFrame(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := newTestServer(t, ctx, 0)
	pre := metrics.Snap()

	c := dialAndHandshake(t, ctx, srv.Addr(), "alice")
	defer c.Close()

	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) && srv.Registry.ActiveCount() < 1 {
		time.Sleep(2 * time.Millisecond)
	}

	var big [4]byte
	big[0] = 0x7F
	if _, err := c.Write(big[:]); err != nil {
		t.Fatalf("write malformed length: %v", err)
	}

	errDeadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(errDeadline) {
		if metrics.Snap().Errors > pre.Errors {
			break
		}
		time.Sleep(3 * time.Millisecond)
	}
	if metrics.Snap().Errors <= pre.Errors {
		t.Fatalf("expected error counter to increase")
	}
}

// TestSmokeConcurrentClients ensures a broadcast reaches every other
// connected client.
func TestSmokeConcurrentClients(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := newTestServer(t, ctx, 0)
	const n = 5
	conns := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		conns = append(conns, dialAndHandshake(t, ctx, srv.Addr(), "user"))
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && srv.Registry.ActiveCount() < n {
		time.Sleep(2 * time.Millisecond)
	}

	var cdc frame.Codec
	if _, err := cdc.EncodeTo(conns[0], []byte("hello all")); err != nil {
		t.Fatalf("broadcast write: %v", err)
	}

	for i := 1; i < n; i++ {
		_ = conns[i].SetReadDeadline(time.Now().Add(2 * time.Second))
		payload, err := cdc.Decode(conns[i])
		if err != nil {
			t.Fatalf("client %d decode: %v", i, err)
		}
		if string(payload) != "hello all" {
			t.Fatalf("client %d got %q", i, payload)
		}
	}
}

// TestGracefulShutdown ensures Shutdown closes the listener and all client
// connections.
func TestGracefulShutdown(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	srv := newTestServer(t, ctx, 0)
	c1 := dialAndHandshake(t, ctx, srv.Addr(), "alice")
	c2 := dialAndHandshake(t, ctx, srv.Addr(), "bob")

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && srv.Registry.ActiveCount() < 2 {
		time.Sleep(2 * time.Millisecond)
	}

	sdCtx, sdCancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer sdCancel()
	if err := srv.Shutdown(sdCtx); err != nil {
		t.Fatalf("shutdown err: %v", err)
	}

	_ = c1.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	buf := make([]byte, 8)
	if _, err := c1.Read(buf); err == nil {
		t.Fatalf("expected c1 read to fail after shutdown")
	}
	_ = c2.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, err := c2.Read(buf); err == nil {
		t.Fatalf("expected c2 read to fail after shutdown")
	}
}

// TestStressBroadcast pushes many clients and frames through the relay.
func TestStressBroadcast(t *testing.T) {
	if testing.Short() {
		t.Skip("stress skipped in -short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()

	srv := newTestServer(t, ctx, 0)

	const nClients = 20
	const nFrames = 100
	conns := make([]net.Conn, 0, nClients)
	for i := 0; i < nClients; i++ {
		conns = append(conns, dialAndHandshake(t, ctx, srv.Addr(), "user"))
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && srv.Registry.ActiveCount() < nClients {
		time.Sleep(2 * time.Millisecond)
	}

	var cdc frame.Codec
	sender := conns[0]
	for i := 0; i < nFrames; i++ {
		if _, err := cdc.EncodeTo(sender, []byte(bytes.Repeat([]byte("x"), 4))); err != nil {
			t.Fatalf("write frame %d: %v", i, err)
		}
	}

	got := make([]bool, nClients)
	got[0] = true
	recvDeadline := time.Now().Add(3 * time.Second)
	received := 1
	for time.Now().Before(recvDeadline) && received < nClients {
		for i := 1; i < nClients; i++ {
			if got[i] {
				continue
			}
			_ = conns[i].SetReadDeadline(time.Now().Add(20 * time.Millisecond))
			if _, err := cdc.Decode(conns[i]); err == nil {
				got[i] = true
				received++
			}
		}
	}
	if received < nClients {
		t.Fatalf("not all clients received a frame: %d/%d", received, nClients)
	}
}
