package events

import (
	"testing"
	"time"
)

func TestHubBroadcast(t *testing.T) {
	h := NewHub(4)
	a, cancelA := h.Subscribe()
	b, cancelB := h.Subscribe()
	defer cancelB()

	h.Publish(Event{Type: RunStarted, RunID: "r"})
	for _, ch := range []<-chan Event{a, b} {
		select {
		case e := <-ch:
			if e.Type != RunStarted || e.RunID != "r" {
				t.Errorf("unexpected event %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}

	cancelA()
	cancelA()
	if _, open := <-a; open {
		t.Error("channel should be closed after unsubscribe")
	}
	if h.Subscribers() != 1 {
		t.Errorf("subscribers: got %d", h.Subscribers())
	}
}

func TestHubDropsWhenFull(t *testing.T) {
	h := NewHub(1)
	ch, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Publish(Event{Type: VerifyDone, Done: i + 1})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if e := <-ch; e.Done != 1 {
		t.Errorf("first buffered event: got done=%d", e.Done)
	}
}

type recorder struct{ got []Event }

func (r *recorder) Publish(e Event) { r.got = append(r.got, e) }

func TestMulti(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	m := Multi{a, nil, Nop{}, b}
	m.Publish(Event{Type: ProbeDone})
	if len(a.got) != 1 || len(b.got) != 1 {
		t.Errorf("fan-out: a=%d b=%d", len(a.got), len(b.got))
	}
}

func TestNATSSubject(t *testing.T) {
	p := &NATSPublisher{prefix: "darn"}
	if got := p.Subject(RunFinished); got != "darn.run.finished" {
		t.Errorf("subject: %q", got)
	}
}
