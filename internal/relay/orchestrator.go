package relay

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quillchat/backend/internal/logger"
)

// MessageStore persists the single assistant message produced by a
// completed generation.
type MessageStore interface {
	SaveAssistantMessage(ctx context.Context, msg AssistantMessage) error
}

// AssistantMessage is the persistence payload for one finished generation.
type AssistantMessage struct {
	ID          string
	ChatID      string
	UserID      int64
	Content     string
	Model       string
	Provider    string
	Annotations []byte
}

// StreamFunc produces the upstream token stream for one generation. It must
// call onDelta for each content fragment in order and return once the stream
// ends or ctx is cancelled. The returned annotations, if any, are persisted
// with the assistant message.
type StreamFunc func(ctx context.Context, onDelta func(text string)) (annotations []byte, err error)

// Metrics receives relay lifecycle observations. Implementations must be
// safe for concurrent use.
type Metrics interface {
	GenerationStarted()
	GenerationFinished(outcome string)
	DeltaRelayed()
}

type nopMetrics struct{}

func (nopMetrics) GenerationStarted()        {}
func (nopMetrics) GenerationFinished(string) {}
func (nopMetrics) DeltaRelayed()             {}

// Config tunes relay behavior.
type Config struct {
	// SubscriberBufferSize is the per-subscriber event channel capacity.
	SubscriberBufferSize int
	// SendTimeout bounds how long a broadcast waits on one slow subscriber.
	SendTimeout time.Duration
	// IdleTimeout cancels a generation that has produced no delta for this
	// long. Zero disables the watchdog.
	IdleTimeout time.Duration
	// PersistTimeout bounds the persistence write at completion.
	PersistTimeout time.Duration
	// OnPersistFailure is invoked when the assistant message cannot be
	// saved, after the generation slot is already freed. Nil means the loss
	// is only logged and counted.
	OnPersistFailure func(msg AssistantMessage, err error)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.SubscriberBufferSize < 2 {
		out.SubscriberBufferSize = 64
	}
	if out.SendTimeout <= 0 {
		out.SendTimeout = 100 * time.Millisecond
	}
	if out.PersistTimeout <= 0 {
		out.PersistTimeout = 10 * time.Second
	}
	return out
}

// generation is the state of one in-flight assistant response. All mutable
// fields are guarded by mu; appends and broadcasts happen under it so a late
// subscriber's replay snapshot plus subsequent deltas reconstruct the text
// with no gap and no duplication.
type generation struct {
	chatID    string
	userID    int64
	messageID string
	model     string
	provider  string

	cancel context.CancelFunc

	mu          sync.Mutex
	buf         strings.Builder
	subscribers map[string]*Subscriber
	completed   bool
	idleTimer   *time.Timer
}

// Orchestrator owns the generation state table: at most one in-flight
// generation per chat, with fan-out to any number of subscribers.
type Orchestrator struct {
	store   MessageStore
	config  Config
	logger  *logger.Logger
	metrics Metrics

	mu     sync.RWMutex
	active map[string]*generation
}

func NewOrchestrator(store MessageStore, config Config, log *logger.Logger, m Metrics) *Orchestrator {
	if m == nil {
		m = nopMetrics{}
	}
	return &Orchestrator{
		store:   store,
		config:  config.withDefaults(),
		logger:  log.WithComponent("relay"),
		metrics: m,
		active:  make(map[string]*generation),
	}
}

// StartParams describes one generation to run.
type StartParams struct {
	ChatID   string
	UserID   int64
	Model    string
	Provider string
	Stream   StreamFunc
}

// Start claims the chat's generation slot and launches the upstream stream in
// the background. It returns the pre-assigned assistant message ID
// immediately, or ErrGenerationActive if the slot is taken.
func (o *Orchestrator) Start(params StartParams) (string, error) {
	ctx, cancel := context.WithCancel(context.Background())
	gen := &generation{
		chatID:      params.ChatID,
		userID:      params.UserID,
		messageID:   uuid.New().String(),
		model:       params.Model,
		provider:    params.Provider,
		cancel:      cancel,
		subscribers: make(map[string]*Subscriber),
	}

	// the timer is set before the generation is published so no concurrent
	// Cancel or ingest can observe the field mid-write
	if o.config.IdleTimeout > 0 {
		gen.idleTimer = time.AfterFunc(o.config.IdleTimeout, func() {
			o.logger.Warn("Cancelling idle generation",
				"chat_id", gen.chatID, "message_id", gen.messageID)
			cancel()
		})
	}

	o.mu.Lock()
	if _, exists := o.active[params.ChatID]; exists {
		o.mu.Unlock()
		cancel()
		if gen.idleTimer != nil {
			gen.idleTimer.Stop()
		}
		return "", ErrGenerationActive
	}
	o.active[params.ChatID] = gen
	o.mu.Unlock()

	o.metrics.GenerationStarted()
	o.logger.InfoContext(ctx, "Generation started",
		"chat_id", gen.chatID, "message_id", gen.messageID, "model", gen.model)

	go o.run(ctx, gen, params.Stream)
	return gen.messageID, nil
}

func (o *Orchestrator) run(ctx context.Context, gen *generation, stream StreamFunc) {
	annotations, err := stream(ctx, func(text string) {
		o.ingest(gen, text)
	})
	if err != nil && ctx.Err() != nil {
		// cancellation is a normal outcome, the partial text stands
		err = nil
	}
	o.finalize(gen, annotations, err)
}

// ingest appends one delta and broadcasts it. Append and broadcast share the
// generation mutex with subscriber attach, which is what makes late replay
// gap-free.
func (o *Orchestrator) ingest(gen *generation, text string) {
	gen.mu.Lock()
	defer gen.mu.Unlock()
	if gen.completed {
		return
	}
	if gen.idleTimer != nil {
		gen.idleTimer.Reset(o.config.IdleTimeout)
	}
	gen.buf.WriteString(text)
	o.metrics.DeltaRelayed()
	for _, sub := range gen.subscribers {
		sub.send(Event{Text: text})
	}
}

// finalize completes a generation exactly once: it persists the accumulated
// text, signals done to subscribers, and frees the chat's slot.
func (o *Orchestrator) finalize(gen *generation, annotations []byte, streamErr error) {
	gen.mu.Lock()
	if gen.completed {
		gen.mu.Unlock()
		return
	}
	gen.completed = true
	if gen.idleTimer != nil {
		gen.idleTimer.Stop()
	}
	content := gen.buf.String()
	subs := make([]*Subscriber, 0, len(gen.subscribers))
	for _, sub := range gen.subscribers {
		subs = append(subs, sub)
	}
	gen.subscribers = make(map[string]*Subscriber)
	gen.mu.Unlock()

	gen.cancel()

	o.mu.Lock()
	delete(o.active, gen.chatID)
	o.mu.Unlock()

	outcome := "completed"
	if streamErr != nil {
		outcome = "failed"
	}

	if streamErr == nil || content != "" {
		msg := AssistantMessage{
			ID:          gen.messageID,
			ChatID:      gen.chatID,
			UserID:      gen.userID,
			Content:     content,
			Model:       gen.model,
			Provider:    gen.provider,
			Annotations: annotations,
		}
		persistCtx, cancel := context.WithTimeout(context.Background(), o.config.PersistTimeout)
		err := o.store.SaveAssistantMessage(persistCtx, msg)
		cancel()
		if err != nil {
			// subscribers already hold the full text; surface the loss and
			// still signal done so clients do not hang
			o.logger.Error("Failed to persist assistant message",
				"chat_id", gen.chatID, "message_id", gen.messageID, "error", err)
			outcome = "persist_failed"
			if o.config.OnPersistFailure != nil {
				o.config.OnPersistFailure(msg, err)
			}
		}
	}

	for _, sub := range subs {
		sub.send(Event{Done: true, Err: streamErr})
		sub.close()
	}

	o.metrics.GenerationFinished(outcome)
	o.logger.Info("Generation finished",
		"chat_id", gen.chatID,
		"message_id", gen.messageID,
		"outcome", outcome,
		"content_length", len(content),
		"error", streamErr)
}

// Subscribe attaches to the chat's in-flight generation. The returned
// subscriber first receives the accumulated text so far, then live deltas,
// then a Done event; its channel closes after Done. Returns
// ErrNoActiveGeneration when nothing is in flight.
func (o *Orchestrator) Subscribe(ctx context.Context, chatID string) (*Subscriber, error) {
	o.mu.RLock()
	gen, ok := o.active[chatID]
	o.mu.RUnlock()
	if !ok {
		return nil, ErrNoActiveGeneration
	}

	sub := newSubscriber(ctx, o.config.SubscriberBufferSize, o.config.SendTimeout)

	gen.mu.Lock()
	if gen.completed {
		gen.mu.Unlock()
		return nil, ErrNoActiveGeneration
	}
	sub.sendReplay(gen.buf.String())
	gen.subscribers[sub.ID] = sub
	gen.mu.Unlock()

	return sub, nil
}

// Unsubscribe detaches one subscriber. The generation keeps running.
func (o *Orchestrator) Unsubscribe(chatID, subscriberID string) {
	o.mu.RLock()
	gen, ok := o.active[chatID]
	o.mu.RUnlock()
	if !ok {
		return
	}

	gen.mu.Lock()
	sub, ok := gen.subscribers[subscriberID]
	if ok {
		delete(gen.subscribers, subscriberID)
	}
	gen.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Cancel stops the chat's in-flight generation. The text accumulated so far
// is persisted as the assistant message before Cancel returns, so the chat's
// slot is free for a new generation immediately after.
func (o *Orchestrator) Cancel(chatID string) error {
	o.mu.RLock()
	gen, ok := o.active[chatID]
	o.mu.RUnlock()
	if !ok {
		return ErrNoActiveGeneration
	}

	gen.cancel()
	o.finalize(gen, nil, nil)
	return nil
}

// Active reports whether the chat has an in-flight generation.
func (o *Orchestrator) Active(chatID string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.active[chatID]
	return ok
}

// Snapshot returns the in-flight generation's message ID and accumulated
// text, if one exists.
func (o *Orchestrator) Snapshot(chatID string) (messageID, content string, ok bool) {
	o.mu.RLock()
	gen, found := o.active[chatID]
	o.mu.RUnlock()
	if !found {
		return "", "", false
	}
	gen.mu.Lock()
	defer gen.mu.Unlock()
	if gen.completed {
		return "", "", false
	}
	return gen.messageID, gen.buf.String(), true
}

// Shutdown cancels every in-flight generation and waits for their persistence
// to settle. Used on server stop.
func (o *Orchestrator) Shutdown() {
	o.mu.RLock()
	gens := make([]*generation, 0, len(o.active))
	for _, gen := range o.active {
		gens = append(gens, gen)
	}
	o.mu.RUnlock()

	for _, gen := range gens {
		gen.cancel()
		o.finalize(gen, nil, nil)
	}
}
