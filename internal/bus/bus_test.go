package bus

import (
	"testing"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New()
	var gotA, gotB Event

	b.Subscribe(TopicSessionCreated, func(ev Event) { gotA = ev })
	b.Subscribe(TopicSessionCreated, func(ev Event) { gotB = ev })

	b.Emit(TopicSessionCreated, "session-1")

	if gotA.Payload != "session-1" {
		t.Errorf("subscriber A got %v, want session-1", gotA.Payload)
	}
	if gotB.Payload != "session-1" {
		t.Errorf("subscriber B got %v, want session-1", gotB.Payload)
	}
}

func TestSubscribersAreOrdered(t *testing.T) {
	b := New()
	var order []int

	b.Subscribe("t", func(Event) { order = append(order, 1) })
	b.Subscribe("t", func(Event) { order = append(order, 2) })
	b.Subscribe("t", func(Event) { order = append(order, 3) })

	b.Emit("t", nil)

	want := []int{1, 2, 3}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %d, want %d", i, order[i], want[i])
		}
	}
}

func TestPanicInSubscriberDoesNotAbortDispatch(t *testing.T) {
	b := New()
	secondCalled := false

	b.Subscribe("t", func(Event) { panic("boom") })
	b.Subscribe("t", func(Event) { secondCalled = true })

	b.Emit("t", nil) // must not panic out of Publish

	if !secondCalled {
		t.Error("second subscriber was not reached after the first panicked")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	calls := 0

	sub := b.Subscribe("t", func(Event) { calls++ })
	b.Emit("t", nil)
	b.Unsubscribe(sub)
	b.Emit("t", nil)

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}

	// Unsubscribing twice is a no-op, not an error.
	b.Unsubscribe(sub)
}

func TestHookTopicForwardsToHostEnvironment(t *testing.T) {
	b := New()
	var hookTopic string
	var hookPayload any

	b.HookTopic(TopicRegistered, func(topic string, payload any) {
		hookTopic = topic
		hookPayload = payload
	})

	b.Emit(TopicRegistered, "1001")

	if hookTopic != TopicRegistered {
		t.Errorf("hookTopic = %q, want %q", hookTopic, TopicRegistered)
	}
	if hookPayload != "1001" {
		t.Errorf("hookPayload = %v, want 1001", hookPayload)
	}
}

func TestTopicsAreIndependent(t *testing.T) {
	b := New()
	called := false
	b.Subscribe(TopicSessionCreated, func(Event) { called = true })

	b.Emit(TopicSessionTerminated, nil)

	if called {
		t.Error("subscriber to a different topic was invoked")
	}
}
