package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/kstaniek/go-can-decoder/internal/hub"
	"github.com/kstaniek/go-can-decoder/internal/metrics"
	"github.com/kstaniek/go-can-decoder/internal/sample"
)

func mkBatch(message string, id uint32, values ...float64) []sample.Sample {
	out := make([]sample.Sample, 0, len(values))
	for i, v := range values {
		out = append(out, sample.Sample{
			Time:    time.Unix(1700000000, 0).UTC(),
			ID:      id,
			Message: message,
			Signal:  "S" + string(rune('A'+i)),
			Value:   v,
		})
	}
	return out
}

func startServer(t *testing.T, h *hub.Hub, opts ...ServerOption) (*Server, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	srv := NewServer(append([]ServerOption{WithHub(h)}, opts...)...)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			t.Logf("Serve returned: %v", err)
		}
	}()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		cancel()
		t.Fatalf("server did not signal readiness")
	}
	return srv, cancel
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return c
}

func waitClients(h *hub.Hub, n int) bool {
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if h.Count() == n {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return h.Count() == n
}

// readSamples collects decoded lines until want samples arrived or the
// deadline passes.
func readSamples(t *testing.T, c net.Conn, want int, within time.Duration) []sample.Sample {
	t.Helper()
	var codec sample.Codec
	br := bufio.NewReader(c)
	var out []sample.Sample
	_ = c.SetReadDeadline(time.Now().Add(within))
	for len(out) < want {
		line, err := br.ReadBytes('\n')
		if err != nil {
			if isTimeout(err) || errors.Is(err, io.EOF) {
				break
			}
			t.Fatalf("read: %v", err)
		}
		s, err := codec.Decode(line)
		if err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, s)
	}
	return out
}

func TestSmokeServerStreamsSamples(t *testing.T) {
	h := hub.New()
	srv, cancel := startServer(t, h)
	defer cancel()

	c := dial(t, srv.Addr())
	defer c.Close()
	if !waitClients(h, 1) {
		t.Fatalf("client not registered")
	}
	h.Broadcast(mkBatch("Status", 0x100, 1.5, -2))

	got := readSamples(t, c, 2, 500*time.Millisecond)
	if len(got) != 2 {
		t.Fatalf("got %d samples, want 2", len(got))
	}
	if got[0].Message != "Status" || got[0].ID != 0x100 || got[0].Signal != "SA" || got[0].Value != 1.5 {
		t.Fatalf("unexpected first sample %+v", got[0])
	}
	if got[1].Value != -2 {
		t.Fatalf("unexpected second sample %+v", got[1])
	}
	if !got[0].Time.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("timestamp lost: %v", got[0].Time)
	}
}

// TestSmokeBatch pushes enough samples to force a size-triggered flush.
func TestSmokeBatch(t *testing.T) {
	h := hub.New()
	srv, cancel := startServer(t, h, WithBatchSize(16), WithFlushInterval(time.Hour))
	defer cancel()
	c := dial(t, srv.Addr())
	defer c.Close()
	if !waitClients(h, 1) {
		t.Fatalf("client not registered")
	}
	for i := 0; i < 4; i++ {
		h.Broadcast(mkBatch("Bulk", 0x700+uint32(i), 1, 2, 3, 4))
	}
	got := readSamples(t, c, 16, 500*time.Millisecond)
	if len(got) != 16 {
		t.Fatalf("got %d samples, want 16", len(got))
	}
	for i, s := range got {
		if want := 0x700 + uint32(i/4); s.ID != want {
			t.Fatalf("sample %d id 0x%X want 0x%X (order broken)", i, s.ID, want)
		}
	}
}

func TestSmokeSubscription(t *testing.T) {
	h := hub.New()
	srv, cancel := startServer(t, h)
	defer cancel()
	c := dial(t, srv.Addr())
	defer c.Close()
	if !waitClients(h, 1) {
		t.Fatalf("client not registered")
	}
	if _, err := c.Write([]byte("Engine, Brake\n")); err != nil {
		t.Fatalf("write subscription: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	h.Broadcast(mkBatch("Status", 0x100, 1))
	h.Broadcast(mkBatch("Engine", 0x200, 2))
	h.Broadcast(mkBatch("Brake", 0x300, 3))

	got := readSamples(t, c, 3, 300*time.Millisecond)
	if len(got) != 2 {
		t.Fatalf("got %d samples, want 2: %+v", len(got), got)
	}
	for _, s := range got {
		if s.Message == "Status" {
			t.Fatalf("unsubscribed message delivered: %+v", s)
		}
	}

	if _, err := c.Write([]byte("*\n")); err != nil {
		t.Fatalf("write wildcard: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	h.Broadcast(mkBatch("Status", 0x100, 4))
	got = readSamples(t, c, 1, 300*time.Millisecond)
	if len(got) != 1 || got[0].Message != "Status" {
		t.Fatalf("wildcard did not restore full stream: %+v", got)
	}
}

// stallCodec blocks every write until release is closed, which lets the
// hub queue of a client fill deterministically.
type stallCodec struct{ release chan struct{} }

func (c stallCodec) EncodeTo(w io.Writer, batch []sample.Sample) error {
	<-c.release
	return sample.Codec{}.EncodeTo(w, batch)
}

func TestSmokeBackpressureDrop(t *testing.T) {
	h := hub.New()
	h.OutBufSize = 1
	h.Policy = hub.PolicyDrop
	codec := stallCodec{release: make(chan struct{})}
	srv, cancel := startServer(t, h, WithCodec(codec), WithBatchSize(1))
	defer cancel()
	defer close(codec.release)
	c := dial(t, srv.Addr())
	defer c.Close()
	if !waitClients(h, 1) {
		t.Fatalf("client not registered")
	}
	pre := metrics.Snap()
	for i := 0; i < 50; i++ {
		h.Broadcast(mkBatch("Flood", 0x900, float64(i)))
	}
	if metrics.Snap().HubDrops-pre.HubDrops < 40 {
		t.Fatalf("expected most batches to be dropped")
	}
	// drop policy keeps the client connected
	if h.Count() != 1 {
		t.Fatalf("client removed under drop policy")
	}
}

func TestSmokeBackpressureKick(t *testing.T) {
	h := hub.New()
	h.OutBufSize = 1
	h.Policy = hub.PolicyKick
	codec := stallCodec{release: make(chan struct{})}
	srv, cancel := startServer(t, h, WithCodec(codec), WithBatchSize(1), WithReadDeadline(20*time.Millisecond))
	defer cancel()
	c := dial(t, srv.Addr())
	defer c.Close()
	if !waitClients(h, 1) {
		t.Fatalf("client not registered")
	}
	pre := metrics.Snap()
	for i := 0; i < 10; i++ {
		h.Broadcast(mkBatch("Flood", 0xA00, float64(i)))
	}
	if metrics.Snap().HubKicks <= pre.HubKicks {
		t.Fatalf("expected a kick")
	}
	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := c.Read(make([]byte, 1)); err == nil || isTimeout(err) {
		t.Fatalf("kicked client was not disconnected: %v", err)
	}
	close(codec.release)
	if !waitClients(h, 0) {
		t.Fatalf("kicked client still registered (count=%d)", h.Count())
	}
}

func TestSmokeMaxClients(t *testing.T) {
	h := hub.New()
	srv, cancel := startServer(t, h, WithMaxClients(1))
	defer cancel()
	c1 := dial(t, srv.Addr())
	defer c1.Close()
	if !waitClients(h, 1) {
		t.Fatalf("first client not registered")
	}
	pre := metrics.Snap()
	c2 := dial(t, srv.Addr())
	defer c2.Close()
	_ = c2.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := c2.Read(make([]byte, 1)); err == nil {
		t.Fatalf("expected second client to be closed")
	}
	if metrics.Snap().HubRejects <= pre.HubRejects {
		t.Fatalf("expected reject counter to increase")
	}
}

func TestSmokeMetrics(t *testing.T) {
	h := hub.New()
	srv, cancel := startServer(t, h)
	defer cancel()
	c := dial(t, srv.Addr())
	defer c.Close()
	if !waitClients(h, 1) {
		t.Fatalf("client not registered")
	}
	pre := metrics.Snap()
	h.Broadcast(mkBatch("Status", 0x100, 1, 2, 3))
	if got := readSamples(t, c, 3, 500*time.Millisecond); len(got) != 3 {
		t.Fatalf("got %d samples", len(got))
	}
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) && metrics.Snap().StreamSamples-pre.StreamSamples < 3 {
		time.Sleep(2 * time.Millisecond)
	}
	if d := metrics.Snap().StreamSamples - pre.StreamSamples; d < 3 {
		t.Fatalf("expected stream samples delta >=3, got %d", d)
	}
}

func TestSmokeConcurrentClients(t *testing.T) {
	h := hub.New()
	srv, cancel := startServer(t, h)
	defer cancel()
	const nClients = 5
	conns := make([]net.Conn, 0, nClients)
	for i := 0; i < nClients; i++ {
		conns = append(conns, dial(t, srv.Addr()))
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	if !waitClients(h, nClients) {
		t.Fatalf("clients not registered: %d", h.Count())
	}
	for i := 0; i < 10; i++ {
		h.Broadcast(mkBatch("Multi", 0x500+uint32(i), float64(i)))
	}
	for idx, c := range conns {
		got := readSamples(t, c, 10, 500*time.Millisecond)
		if len(got) != 10 {
			t.Fatalf("client %d got %d samples", idx, len(got))
		}
	}
}

func TestGracefulShutdown(t *testing.T) {
	h := hub.New()
	srv, cancel := startServer(t, h)
	defer cancel()
	c1 := dial(t, srv.Addr())
	c2 := dial(t, srv.Addr())
	defer c1.Close()
	defer c2.Close()
	if !waitClients(h, 2) {
		t.Fatalf("clients not registered")
	}
	sdCtx, sdCancel := context.WithTimeout(context.Background(), time.Second)
	defer sdCancel()
	if err := srv.Shutdown(sdCtx); err != nil {
		t.Fatalf("shutdown err: %v", err)
	}
	buf := make([]byte, 8)
	for i, c := range []net.Conn{c1, c2} {
		_ = c.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		if _, err := c.Read(buf); err == nil {
			t.Fatalf("expected client %d read to fail after shutdown", i)
		}
	}
	if h.Count() != 0 {
		t.Fatalf("hub still has %d clients", h.Count())
	}
}

func TestListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	srv := NewServer(WithListenAddr(ln.Addr().String()))
	err = srv.Serve(context.Background())
	if !errors.Is(err, ErrListen) {
		t.Fatalf("expected ErrListen, got %v", err)
	}
	if !errors.Is(srv.LastError(), ErrListen) {
		t.Fatalf("LastError not recorded: %v", srv.LastError())
	}
	if mapErrToMetric(err) != metrics.ErrTCPRead {
		t.Fatalf("unexpected metric label %q", mapErrToMetric(err))
	}
}

func TestParseSubscription(t *testing.T) {
	for _, line := range []string{"\n", "\r\n", "*\n", "Status *\n"} {
		if got := parseSubscription(line); got != nil {
			t.Fatalf("%q: expected wildcard/empty to select everything, got %v", line, got)
		}
	}
	one := parseSubscription("Engine\n")
	if _, ok := one["Engine"]; !ok || len(one) != 1 {
		t.Fatalf("line terminator kept in %v", one)
	}
	set := parseSubscription("Engine,Brake  Gear\r\n")
	for _, name := range []string{"Engine", "Brake", "Gear"} {
		if _, ok := set[strings.TrimSpace(name)]; !ok {
			t.Fatalf("missing %s in %v", name, set)
		}
	}
	if len(set) != 3 {
		t.Fatalf("unexpected set %v", set)
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
