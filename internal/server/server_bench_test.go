package server

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/kstaniek/go-can-decoder/internal/hub"
)

func BenchmarkServerWriterFlush(b *testing.B) {
	h := hub.New()
	h.OutBufSize = 1024
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := NewServer(WithHub(h))
	go func() { _ = srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		b.Fatalf("server not ready")
	}
	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		b.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	go func() { _, _ = io.Copy(io.Discard, conn) }()
	for h.Count() == 0 {
		time.Sleep(time.Millisecond)
	}
	batch := mkBatch("Bench", 0x123, 1, 2, 3, 4)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.Broadcast(batch)
	}
}
