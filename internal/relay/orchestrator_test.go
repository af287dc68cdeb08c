package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quillchat/backend/internal/logger"
)

type recordingStore struct {
	mu    sync.Mutex
	saved []AssistantMessage
	err   error
}

func (s *recordingStore) SaveAssistantMessage(ctx context.Context, msg AssistantMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, msg)
	return nil
}

func (s *recordingStore) messages() []AssistantMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AssistantMessage, len(s.saved))
	copy(out, s.saved)
	return out
}

func newTestOrchestrator(store MessageStore) *Orchestrator {
	return NewOrchestrator(store, Config{}, logger.New(logger.Config{Format: "text"}), nil)
}

// scriptedStream emits deltas when told to and blocks until released.
type scriptedStream struct {
	deltas  chan string
	release chan struct{}
	result  []byte
	err     error
}

func newScriptedStream() *scriptedStream {
	return &scriptedStream{
		deltas:  make(chan string, 16),
		release: make(chan struct{}),
	}
}

func (s *scriptedStream) fn(ctx context.Context, onDelta func(string)) ([]byte, error) {
	defer close(s.release)
	for {
		select {
		case d, ok := <-s.deltas:
			if !ok {
				return s.result, s.err
			}
			onDelta(d)
		case <-ctx.Done():
			return s.result, ctx.Err()
		}
	}
}

func (s *scriptedStream) emit(deltas ...string) {
	for _, d := range deltas {
		s.deltas <- d
	}
}

func (s *scriptedStream) finish() {
	close(s.deltas)
	<-s.release
}

func collect(t *testing.T, sub *Subscriber, timeout time.Duration) (string, bool) {
	t.Helper()
	var b strings.Builder
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return b.String(), false
			}
			if ev.Done {
				return b.String(), true
			}
			b.WriteString(ev.Text)
		case <-deadline:
			t.Fatalf("timed out waiting for events, have %q", b.String())
		}
	}
}

func waitInactive(t *testing.T, o *Orchestrator, chatID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for o.Active(chatID) {
		if time.Now().After(deadline) {
			t.Fatal("generation never finished")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGenerationRelaysDeltasAndPersistsOnce(t *testing.T) {
	store := &recordingStore{}
	o := newTestOrchestrator(store)
	stream := newScriptedStream()

	messageID, err := o.Start(StartParams{
		ChatID: "chat-1", UserID: 7, Model: "test/model", Provider: "openrouter",
		Stream: stream.fn,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if messageID == "" {
		t.Fatal("Start returned empty message ID")
	}

	sub, err := o.Subscribe(context.Background(), "chat-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	stream.emit("Hel", "lo")
	stream.finish()

	got, done := collect(t, sub, 2*time.Second)
	if got != "Hello" {
		t.Errorf("relayed %q, want %q", got, "Hello")
	}
	if !done {
		t.Error("channel closed without a done event")
	}

	waitInactive(t, o, "chat-1")
	saved := store.messages()
	if len(saved) != 1 {
		t.Fatalf("persisted %d messages, want 1", len(saved))
	}
	msg := saved[0]
	if msg.ID != messageID || msg.ChatID != "chat-1" || msg.UserID != 7 {
		t.Errorf("persisted identity mismatch: %+v", msg)
	}
	if msg.Content != "Hello" {
		t.Errorf("persisted content %q, want %q", msg.Content, "Hello")
	}
	if msg.Model != "test/model" {
		t.Errorf("persisted model %q", msg.Model)
	}
}

func TestStartRejectsSecondGenerationForSameChat(t *testing.T) {
	store := &recordingStore{}
	o := newTestOrchestrator(store)
	stream := newScriptedStream()

	if _, err := o.Start(StartParams{ChatID: "chat-1", Stream: stream.fn}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := o.Start(StartParams{ChatID: "chat-1", Stream: stream.fn}); !errors.Is(err, ErrGenerationActive) {
		t.Errorf("second Start returned %v, want ErrGenerationActive", err)
	}
	// a different chat is unaffected
	other := newScriptedStream()
	if _, err := o.Start(StartParams{ChatID: "chat-2", Stream: other.fn}); err != nil {
		t.Errorf("Start on other chat: %v", err)
	}

	stream.finish()
	other.finish()
	waitInactive(t, o, "chat-1")
	waitInactive(t, o, "chat-2")
}

func TestSlotFreesAfterCompletion(t *testing.T) {
	store := &recordingStore{}
	o := newTestOrchestrator(store)

	first := newScriptedStream()
	if _, err := o.Start(StartParams{ChatID: "chat-1", Stream: first.fn}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first.finish()
	waitInactive(t, o, "chat-1")

	second := newScriptedStream()
	if _, err := o.Start(StartParams{ChatID: "chat-1", Stream: second.fn}); err != nil {
		t.Errorf("Start after completion: %v", err)
	}
	second.finish()
	waitInactive(t, o, "chat-1")
}

func TestLateSubscriberReplaysAccumulatedText(t *testing.T) {
	store := &recordingStore{}
	o := newTestOrchestrator(store)
	stream := newScriptedStream()

	if _, err := o.Start(StartParams{ChatID: "chat-1", Stream: stream.fn}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stream.emit("The quick ", "brown fox ")
	// wait until both deltas are accumulated
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, content, ok := o.Snapshot("chat-1")
		if ok && content == "The quick brown fox " {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("snapshot never caught up, have %q", content)
		}
		time.Sleep(5 * time.Millisecond)
	}

	sub, err := o.Subscribe(context.Background(), "chat-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	stream.emit("jumps")
	stream.finish()

	got, done := collect(t, sub, 2*time.Second)
	if got != "The quick brown fox jumps" {
		t.Errorf("late subscriber saw %q, want full text", got)
	}
	if !done {
		t.Error("late subscriber never saw done")
	}
}

func TestCancelPersistsPartialAndFreesSlot(t *testing.T) {
	store := &recordingStore{}
	o := newTestOrchestrator(store)
	stream := newScriptedStream()

	messageID, err := o.Start(StartParams{ChatID: "chat-1", UserID: 3, Stream: stream.fn})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	sub, err := o.Subscribe(context.Background(), "chat-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	stream.emit("partial ", "text")
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, content, ok := o.Snapshot("chat-1")
		if ok && content == "partial text" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("deltas never ingested")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := o.Cancel("chat-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// Cancel is synchronous: slot is free immediately
	if o.Active("chat-1") {
		t.Error("chat still active after Cancel")
	}

	got, done := collect(t, sub, 2*time.Second)
	if got != "partial text" {
		t.Errorf("subscriber saw %q, want partial text", got)
	}
	if !done {
		t.Error("subscriber never saw done after cancel")
	}

	saved := store.messages()
	if len(saved) != 1 {
		t.Fatalf("persisted %d messages, want 1", len(saved))
	}
	if saved[0].ID != messageID || saved[0].Content != "partial text" {
		t.Errorf("persisted %+v", saved[0])
	}
}

func TestCancelWithoutGeneration(t *testing.T) {
	o := newTestOrchestrator(&recordingStore{})
	if err := o.Cancel("nope"); !errors.Is(err, ErrNoActiveGeneration) {
		t.Errorf("Cancel returned %v, want ErrNoActiveGeneration", err)
	}
}

func TestSubscribeWithoutGeneration(t *testing.T) {
	o := newTestOrchestrator(&recordingStore{})
	if _, err := o.Subscribe(context.Background(), "nope"); !errors.Is(err, ErrNoActiveGeneration) {
		t.Errorf("Subscribe returned %v, want ErrNoActiveGeneration", err)
	}
}

func TestPersistenceHappensExactlyOnceUnderCancelRace(t *testing.T) {
	store := &recordingStore{}
	o := newTestOrchestrator(store)
	stream := newScriptedStream()

	if _, err := o.Start(StartParams{ChatID: "chat-1", Stream: stream.fn}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stream.emit("x")

	// cancel and natural completion race to finalize
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = o.Cancel("chat-1")
	}()
	go func() {
		defer wg.Done()
		stream.finish()
	}()
	wg.Wait()
	waitInactive(t, o, "chat-1")

	if n := len(store.messages()); n != 1 {
		t.Errorf("persisted %d messages, want exactly 1", n)
	}
}

func TestUnsubscribedConsumerDoesNotAffectOthers(t *testing.T) {
	store := &recordingStore{}
	o := newTestOrchestrator(store)
	stream := newScriptedStream()

	if _, err := o.Start(StartParams{ChatID: "chat-1", Stream: stream.fn}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	left, err := o.Subscribe(context.Background(), "chat-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	stayed, err := o.Subscribe(context.Background(), "chat-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	o.Unsubscribe("chat-1", left.ID)
	if _, ok := <-left.C; ok {
		t.Error("unsubscribed channel still delivering")
	}

	stream.emit("still ", "running")
	stream.finish()

	got, done := collect(t, stayed, 2*time.Second)
	if got != "still running" {
		t.Errorf("remaining subscriber saw %q", got)
	}
	if !done {
		t.Error("remaining subscriber never saw done")
	}
	waitInactive(t, o, "chat-1")
	if n := len(store.messages()); n != 1 {
		t.Errorf("persisted %d messages, want 1", n)
	}
}

func TestStreamErrorWithNoContentSkipsPersistence(t *testing.T) {
	store := &recordingStore{}
	o := newTestOrchestrator(store)
	stream := newScriptedStream()
	stream.err = errors.New("upstream exploded")

	if _, err := o.Start(StartParams{ChatID: "chat-1", Stream: stream.fn}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sub, err := o.Subscribe(context.Background(), "chat-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	stream.finish()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				t.Fatal("channel closed without done event")
			}
			if ev.Done {
				if ev.Err == nil {
					t.Error("done event carried no error")
				}
				waitInactive(t, o, "chat-1")
				if n := len(store.messages()); n != 0 {
					t.Errorf("persisted %d messages, want 0", n)
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out")
		}
	}
}

func TestPersistFailureInvokesPolicyAndStillSignalsDone(t *testing.T) {
	store := &recordingStore{err: errors.New("db down")}
	var failedMu sync.Mutex
	var failed []AssistantMessage
	o := NewOrchestrator(store, Config{
		OnPersistFailure: func(msg AssistantMessage, err error) {
			failedMu.Lock()
			failed = append(failed, msg)
			failedMu.Unlock()
		},
	}, logger.New(logger.Config{Format: "text"}), nil)

	stream := newScriptedStream()
	if _, err := o.Start(StartParams{ChatID: "chat-1", Stream: stream.fn}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sub, err := o.Subscribe(context.Background(), "chat-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	stream.emit("lost text")
	stream.finish()

	got, done := collect(t, sub, 2*time.Second)
	if got != "lost text" || !done {
		t.Errorf("subscriber saw (%q, done=%v)", got, done)
	}
	waitInactive(t, o, "chat-1")

	failedMu.Lock()
	defer failedMu.Unlock()
	if len(failed) != 1 || failed[0].Content != "lost text" {
		t.Errorf("persist-failure policy saw %+v", failed)
	}
}

func TestIdleWatchdogCancelsStalledGeneration(t *testing.T) {
	store := &recordingStore{}
	o := NewOrchestrator(store, Config{IdleTimeout: 50 * time.Millisecond},
		logger.New(logger.Config{Format: "text"}), nil)

	started := make(chan struct{})
	stream := func(ctx context.Context, onDelta func(string)) ([]byte, error) {
		onDelta("before stall")
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	if _, err := o.Start(StartParams{ChatID: "chat-1", Stream: stream}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started
	waitInactive(t, o, "chat-1")

	saved := store.messages()
	if len(saved) != 1 {
		t.Fatalf("persisted %d messages, want 1", len(saved))
	}
	if saved[0].Content != "before stall" {
		t.Errorf("persisted %q", saved[0].Content)
	}
}

func TestStartWithWatchdogRacingCancel(t *testing.T) {
	store := &recordingStore{}
	o := NewOrchestrator(store, Config{IdleTimeout: time.Second},
		logger.New(logger.Config{Format: "text"}), nil)

	for i := 0; i < 25; i++ {
		chatID := fmt.Sprintf("chat-%d", i)
		stream := newScriptedStream()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := o.Start(StartParams{ChatID: chatID, Stream: stream.fn}); err != nil {
				t.Errorf("Start(%s): %v", chatID, err)
			}
		}()
		go func() {
			defer wg.Done()
			// spin until the slot is visible, then cancel it
			for o.Cancel(chatID) != nil {
				time.Sleep(time.Microsecond)
			}
		}()
		wg.Wait()
		waitInactive(t, o, chatID)
	}
}

func TestSnapshotReflectsAccumulation(t *testing.T) {
	o := newTestOrchestrator(&recordingStore{})
	stream := newScriptedStream()

	messageID, err := o.Start(StartParams{ChatID: "chat-1", Stream: stream.fn})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	gotID, content, ok := o.Snapshot("chat-1")
	if !ok || gotID != messageID || content != "" {
		t.Errorf("Snapshot = (%q, %q, %v)", gotID, content, ok)
	}

	stream.finish()
	waitInactive(t, o, "chat-1")
	if _, _, ok := o.Snapshot("chat-1"); ok {
		t.Error("Snapshot still reporting after completion")
	}
}
