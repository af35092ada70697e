package hub

import (
	"testing"
	"time"

	"github.com/kstaniek/go-can-decoder/internal/metrics"
	"github.com/kstaniek/go-can-decoder/internal/sample"
)

func batch(id uint32) []sample.Sample {
	return []sample.Sample{{ID: id, Message: "Status", Signal: "Value", Value: 1}}
}

func TestHub_Broadcast_DropDoesNotBlock(t *testing.T) {
	h := New()
	cl := NewClient(4)
	h.Add(cl)
	defer h.Remove(cl)

	pre := metrics.Snap().HubDrops
	start := time.Now()
	for i := 0; i < 1000; i++ {
		h.Broadcast(batch(0x123))
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Broadcast took too long: %s", elapsed)
	}
	if len(cl.Out) != cap(cl.Out) {
		t.Fatalf("expected client buffer to be full, got len=%d cap=%d", len(cl.Out), cap(cl.Out))
	}
	if d := metrics.Snap().HubDrops - pre; d != 996 {
		t.Fatalf("expected 996 drops, got %d", d)
	}
}

func TestHub_Broadcast_DropKeepsOthersFlowing(t *testing.T) {
	h := New()
	slow := NewClient(1)
	fast := NewClient(16)
	h.Add(slow)
	h.Add(fast)
	defer h.Remove(slow)
	defer h.Remove(fast)

	for i := 0; i < 10; i++ {
		h.Broadcast(batch(uint32(i)))
	}
	if len(fast.Out) != 10 {
		t.Fatalf("fast client got %d batches, want 10", len(fast.Out))
	}
	if len(slow.Out) != 1 {
		t.Fatalf("slow client holds %d batches, want 1", len(slow.Out))
	}
	select {
	case <-slow.Closed:
		t.Fatal("drop policy must not close clients")
	default:
	}
}

func TestHub_Broadcast_KickClosesSlowClient(t *testing.T) {
	h := New()
	h.Policy = PolicyKick
	slow := NewClient(1)
	h.Add(slow)
	defer h.Remove(slow)
	h.Broadcast(batch(1))
	h.Broadcast(batch(2))
	select {
	case <-slow.Closed:
	default:
		t.Fatal("kick policy should close the slow client")
	}
}

func TestHub_EmptyBatchIgnored(t *testing.T) {
	h := New()
	cl := NewClient(1)
	h.Add(cl)
	defer h.Remove(cl)
	h.Broadcast(nil)
	if len(cl.Out) != 0 {
		t.Fatal("empty batch delivered")
	}
}

func TestHub_RemoveIdempotent(t *testing.T) {
	h := New()
	cl := NewClient(1)
	h.Add(cl)
	if h.Count() != 1 {
		t.Fatalf("count=%d", h.Count())
	}
	h.Remove(cl)
	h.Remove(cl)
	if h.Count() != 0 {
		t.Fatalf("count=%d", h.Count())
	}
}

func TestParsePolicy(t *testing.T) {
	if p, ok := ParsePolicy("KICK"); !ok || p != PolicyKick || p.String() != "kick" {
		t.Fatalf("kick: %v %v", p, ok)
	}
	if _, ok := ParsePolicy("block"); ok {
		t.Fatal("unknown policy accepted")
	}
}
