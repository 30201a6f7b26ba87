package realtime

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

type fakeConn struct {
	writes []any
	failed bool
	closed bool
}

func (f *fakeConn) WriteJSON(v any) error {
	if f.failed {
		return errors.New("broken pipe")
	}
	f.writes = append(f.writes, v)
	return nil
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func testHub() *Hub { return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil))) }

func TestBroadcastReachesSubscribers(t *testing.T) {
	h := testHub()
	c1, c2 := &fakeConn{}, &fakeConn{}
	h.Subscribe("a1", c1)
	h.Subscribe("a1", c2)
	h.Subscribe("other", &fakeConn{})

	h.Broadcast("a1", "update")
	if len(c1.writes) != 1 || len(c2.writes) != 1 {
		t.Fatalf("expected both subscribers notified: %d/%d", len(c1.writes), len(c2.writes))
	}
}

func TestBroadcastToUnknownChannelIsNoop(t *testing.T) {
	h := testHub()
	h.Broadcast("ghost", "update") // must not panic
}

func TestBrokenSubscriberEvicted(t *testing.T) {
	h := testHub()
	good, bad := &fakeConn{}, &fakeConn{failed: true}
	h.Subscribe("a1", good)
	h.Subscribe("a1", bad)

	h.Broadcast("a1", "one")
	if !bad.closed {
		t.Fatal("broken subscriber should be closed")
	}
	h.Broadcast("a1", "two")
	if len(good.writes) != 2 {
		t.Fatalf("good subscriber should keep receiving, got %d", len(good.writes))
	}
}

func TestDropInactive(t *testing.T) {
	h := testHub()
	c := &fakeConn{}
	h.Subscribe("idle", c)

	// Fresh channel is retained.
	if dropped := h.DropInactive(time.Hour); dropped != 0 {
		t.Fatalf("expected 0 dropped, got %d", dropped)
	}
	// Everything is idle relative to a zero threshold.
	time.Sleep(5 * time.Millisecond)
	if dropped := h.DropInactive(time.Millisecond); dropped != 1 {
		t.Fatalf("expected 1 dropped, got %d", dropped)
	}
	if !c.closed {
		t.Fatal("dropped subscriber must be closed")
	}
	if h.ChannelCount() != 0 {
		t.Fatalf("expected 0 channels, got %d", h.ChannelCount())
	}
}

func TestBroadcastRefreshesActivity(t *testing.T) {
	h := testHub()
	h.Subscribe("a1", &fakeConn{})
	time.Sleep(5 * time.Millisecond)
	h.Broadcast("a1", "keepalive")
	if dropped := h.DropInactive(4 * time.Millisecond); dropped != 0 {
		t.Fatalf("recently active channel must survive, dropped %d", dropped)
	}
}
