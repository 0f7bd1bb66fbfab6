package conn

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSink struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
	full   bool
}

func (f *fakeSink) Send(raw []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.sent = append(f.sent, raw)
	return true
}

func (f *fakeSink) Close(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSink) Ping() error { return nil }

func TestConnSendDelegatesToSink(t *testing.T) {
	sink := &fakeSink{}
	c := New("client-1", "user-1", "https://example.com", "ua", "1.2.3.4:1", sink)

	if ok := c.Send([]byte("hi")); !ok {
		t.Error("expected Send to succeed")
	}
	if len(sink.sent) != 1 {
		t.Fatalf("expected 1 sent frame, got %d", len(sink.sent))
	}
}

func TestConnSendReportsFullBuffer(t *testing.T) {
	sink := &fakeSink{full: true}
	c := New("client-1", "user-1", "", "", "", sink)

	if ok := c.Send([]byte("hi")); ok {
		t.Error("expected Send to report false for a full sink")
	}
}

func TestConnRoomIDRoundTrip(t *testing.T) {
	c := New("client-1", "user-1", "", "", "", &fakeSink{})
	c.SetRoomID("room-1")
	if got := c.RoomID(); got != "room-1" {
		t.Errorf("RoomID() = %q, want %q", got, "room-1")
	}
}

func TestTouchResetsMissedBeats(t *testing.T) {
	c := New("client-1", "user-1", "", "", "", &fakeSink{})
	c.recordMissedBeat()
	c.recordMissedBeat()
	c.Touch()
	if c.missedBeats != 0 {
		t.Errorf("missedBeats = %d, want 0 after Touch", c.missedBeats)
	}
}

func TestSupervisorTerminatesAfterMaxMissed(t *testing.T) {
	s := NewSupervisor(time.Hour, 2)
	c := New("client-1", "user-1", "", "", "", &fakeSink{})
	s.Track(c)

	var pinged, terminated int
	ping := func(*Conn) { pinged++ }
	terminate := func(*Conn) { terminated++ }

	s.tick(ping, terminate) // missed=1, within threshold
	s.tick(ping, terminate) // missed=2, within threshold
	s.tick(ping, terminate) // missed=3, exceeds threshold -> terminate

	if pinged != 2 {
		t.Errorf("pinged = %d, want 2", pinged)
	}
	if terminated != 1 {
		t.Errorf("terminated = %d, want 1", terminated)
	}
}

func TestSupervisorTouchPreventsTermination(t *testing.T) {
	s := NewSupervisor(time.Hour, 1)
	c := New("client-1", "user-1", "", "", "", &fakeSink{})
	s.Track(c)

	var terminated int
	terminate := func(*Conn) { terminated++ }

	s.tick(func(*Conn) {}, terminate)
	c.Touch()
	s.tick(func(*Conn) {}, terminate)

	if terminated != 0 {
		t.Errorf("terminated = %d, want 0 because Touch reset the counter", terminated)
	}
}

func TestSupervisorUntrackStopsTicking(t *testing.T) {
	s := NewSupervisor(time.Hour, 0)
	c := New("client-1", "user-1", "", "", "", &fakeSink{})
	s.Track(c)
	s.Untrack(c.ClientID)

	var pinged, terminated int
	s.tick(func(*Conn) { pinged++ }, func(*Conn) { terminated++ })

	if pinged != 0 || terminated != 0 {
		t.Errorf("expected no callbacks after Untrack, got pinged=%d terminated=%d", pinged, terminated)
	}
}

func TestSupervisorStopIsIdempotent(t *testing.T) {
	s := NewSupervisor(time.Millisecond, 1)
	done := make(chan struct{})
	go func() {
		s.Run(func(*Conn) {}, func(*Conn) {})
		close(done)
	}()

	s.Stop()
	s.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
