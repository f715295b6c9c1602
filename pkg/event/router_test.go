package event

import (
	"sync"
	"testing"
)

func TestRouterFiltersBySession(t *testing.T) {
	r := NewRouter()

	var got []int
	r.Subscribe("s1", KindProgress, func(ev Event) {
		got = append(got, ev.Progress)
	})

	r.PublishProgress("s1", 10)
	r.PublishProgress("s2", 99)
	r.PublishProgress("s1", 20)

	if len(got) != 2 || got[0] != 10 || got[1] != 20 {
		t.Errorf("received %v, want [10 20]", got)
	}
}

func TestRouterFiltersByKind(t *testing.T) {
	r := NewRouter()

	var states []string
	r.Subscribe("s1", KindState, func(ev Event) {
		states = append(states, ev.State)
	})

	r.PublishProgress("s1", 50)
	r.PublishState("s1", "UPLOAD")

	if len(states) != 1 || states[0] != "UPLOAD" {
		t.Errorf("received %v, want [UPLOAD]", states)
	}
}

func TestRouterFIFOPerSession(t *testing.T) {
	r := NewRouter()

	var got []int
	r.Subscribe("s1", KindProgress, func(ev Event) {
		got = append(got, ev.Progress)
	})

	for i := 0; i <= 100; i += 10 {
		r.PublishProgress("s1", i)
	}

	for i, p := range got {
		if p != i*10 {
			t.Fatalf("event %d = %d, want %d (order violated)", i, p, i*10)
		}
	}
	if len(got) != 11 {
		t.Errorf("received %d events, want 11", len(got))
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r := NewRouter()

	var count int
	sub := r.Subscribe("s1", KindProgress, func(Event) { count++ })

	r.PublishProgress("s1", 1)
	sub.Unsubscribe()
	r.PublishProgress("s1", 2)

	if count != 1 {
		t.Errorf("handler called %d times, want 1", count)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	r := NewRouter()
	sub := r.Subscribe("s1", KindState, func(Event) {})
	sub.Unsubscribe()
	sub.Unsubscribe() // must not panic or deadlock
}

// Concurrent publishes racing Unsubscribe: every delivery the handler sees
// must have happened before Unsubscribe returned.
func TestUnsubscribeConcurrentWithPublish(t *testing.T) {
	r := NewRouter()

	var mu sync.Mutex
	delivered := 0
	sub := r.Subscribe("s1", KindProgress, func(Event) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			r.PublishProgress("s1", i%101)
		}
		close(done)
	}()

	sub.Unsubscribe()
	<-done

	mu.Lock()
	after := delivered
	mu.Unlock()

	// Publish again after everything quiesced: count must not move.
	r.PublishProgress("s1", 42)
	mu.Lock()
	defer mu.Unlock()
	if delivered != after {
		t.Errorf("delivery after Unsubscribe: %d -> %d", after, delivered)
	}
}

func TestMultipleSubscribersSameSession(t *testing.T) {
	r := NewRouter()

	var a, b int
	r.Subscribe("s1", KindProgress, func(Event) { a++ })
	r.Subscribe("s1", KindProgress, func(Event) { b++ })

	r.PublishProgress("s1", 7)

	if a != 1 || b != 1 {
		t.Errorf("subscriber counts = %d, %d, want 1, 1", a, b)
	}
}
