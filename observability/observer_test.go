package observability

import "testing"

type recordingObserver struct {
	drops int
}

func (r *recordingObserver) RecvBytes(int)             {}
func (r *recordingObserver) SentBytes(int)             {}
func (r *recordingObserver) Handshake(HandshakeResult) {}
func (r *recordingObserver) Drop(DropReason)           { r.drops++ }
func (r *recordingObserver) SessionCount(int)          {}

func TestAtomicObserverDefaultsToNoop(t *testing.T) {
	a := NewAtomicListenerObserver()
	// Must not panic with no delegate installed.
	a.Drop(DropReasonReplay)
	a.SessionCount(1)
}

func TestAtomicObserverSwaps(t *testing.T) {
	a := NewAtomicListenerObserver()
	rec := &recordingObserver{}
	a.Set(rec)
	a.Drop(DropReasonReplay)
	if rec.drops != 1 {
		t.Fatalf("delegate not called")
	}
	a.Set(nil)
	a.Drop(DropReasonReplay)
	if rec.drops != 1 {
		t.Fatalf("nil set did not fall back to noop")
	}
}
