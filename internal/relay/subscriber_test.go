package relay

import (
	"context"
	"testing"
	"time"
)

func TestSendDropsWhenBufferFullAndConsumerStalled(t *testing.T) {
	sub := newSubscriber(context.Background(), 2, 20*time.Millisecond)

	if !sub.send(Event{Text: "a"}) || !sub.send(Event{Text: "b"}) {
		t.Fatal("buffered sends failed")
	}

	start := time.Now()
	if sub.send(Event{Text: "c"}) {
		t.Error("send succeeded with full buffer and no consumer")
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("send gave up after %v, before the timeout", elapsed)
	}
}

func TestSendFailsAfterSubscriberContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := newSubscriber(ctx, 1, time.Second)
	if !sub.send(Event{Text: "fills buffer"}) {
		t.Fatal("first send failed")
	}
	cancel()

	start := time.Now()
	if sub.send(Event{Text: "x"}) {
		t.Error("send succeeded on cancelled subscriber")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("send blocked %v despite cancelled context", elapsed)
	}
}

func TestSendAfterCloseIsNoop(t *testing.T) {
	sub := newSubscriber(context.Background(), 4, time.Second)
	sub.close()
	sub.close() // idempotent
	if sub.send(Event{Text: "x"}) {
		t.Error("send succeeded on closed subscriber")
	}
	if _, ok := <-sub.C; ok {
		t.Error("closed channel delivered an event")
	}
}

func TestReplayPrecedesLiveEvents(t *testing.T) {
	sub := newSubscriber(context.Background(), 8, time.Second)
	sub.sendReplay("accumulated so far")
	sub.send(Event{Text: " and more"})

	first := <-sub.C
	if first.Text != "accumulated so far" {
		t.Errorf("first event %q, want the replay snapshot", first.Text)
	}
	second := <-sub.C
	if second.Text != " and more" {
		t.Errorf("second event %q", second.Text)
	}
}
