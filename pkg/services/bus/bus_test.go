package bus

import (
	"slices"
	"testing"
)

func TestPublishInSubscriptionOrder(t *testing.T) {
	b := New()
	var got []string
	b.Subscribe("a", func(e Event) { got = append(got, "first:"+e.Payload.(string)) })
	b.Subscribe("a", func(e Event) { got = append(got, "second:"+e.Payload.(string)) })
	b.Subscribe("b", func(e Event) { got = append(got, "other") })

	b.Publish("a", "x")
	if want := []string{"first:x", "second:x"}; !slices.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	calls := 0
	unsub := b.Subscribe("a", func(Event) { calls++ })
	b.Publish("a", nil)
	unsub()
	unsub()
	b.Publish("a", nil)

	if calls != 1 {
		t.Fatalf("calls = %d", calls)
	}
	if n := b.Subscribers("a"); n != 0 {
		t.Fatalf("subscribers = %d", n)
	}
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	b := New()
	var unsubSecond func()
	secondCalls := 0
	b.Subscribe("a", func(Event) { unsubSecond() })
	unsubSecond = b.Subscribe("a", func(Event) { secondCalls++ })

	b.Publish("a", nil)
	b.Publish("a", nil)
	if secondCalls != 1 {
		t.Fatalf("second handler calls = %d, want 1", secondCalls)
	}
}
