package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Observer is notified about recorder activity.
type Observer interface {
	EventRecorded(typ string)
	PersistenceFailed()
}

type nopObserver struct{}

func (nopObserver) EventRecorded(string) {}
func (nopObserver) PersistenceFailed()   {}

// SubscriberBuffer is the number of events a live subscriber may fall behind
// before it is disconnected.
const SubscriberBuffer = 64

// DefaultPersistTimeout bounds a store call when the caller's context has no
// earlier deadline.
const DefaultPersistTimeout = 2 * time.Second

var errSequenceUnknown = errors.New("last stored sequence unknown")

// Recorder assigns per-conversation sequence numbers, persists events and
// fans them out to live subscribers.
type Recorder struct {
	store   Store
	log     *zap.Logger
	obs     Observer
	timeout time.Duration

	mu    sync.Mutex
	convs map[string]*conversation
}

type conversation struct {
	mu     sync.Mutex
	loaded bool
	seq    uint64
	subs   map[*Subscription]struct{}
}

// Subscription receives live events for one conversation. C is closed when
// the subscription ends, either through Close or because the subscriber fell
// too far behind.
type Subscription struct {
	C    <-chan Event
	ch   chan Event
	conv *conversation
}

// RecorderOption customizes a Recorder.
type RecorderOption func(*Recorder)

// WithPersistTimeout bounds every store call made by Append.
func WithPersistTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func NewRecorder(store Store, log *zap.Logger, obs Observer, opts ...RecorderOption) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	if obs == nil {
		obs = nopObserver{}
	}
	r := &Recorder{
		store:   store,
		log:     log.With(zap.String("component", "events")),
		obs:     obs,
		timeout: DefaultPersistTimeout,
		convs:   make(map[string]*conversation),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Recorder) conversation(id string) *conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[id]
	if !ok {
		c = &conversation{subs: make(map[*Subscription]struct{})}
		r.convs[id] = c
	}
	return c
}

// Append assigns the next sequence number to ev, persists it and broadcasts
// it. The broadcast happens even when persistence fails or overruns its
// bound; in that case the returned error wraps ErrPersistence and the
// returned event is still valid.
//
// Until the last stored sequence has been read, events are broadcast but not
// persisted, so stored history never gets duplicate sequence numbers.
func (r *Recorder) Append(ctx context.Context, conversationID string, ev Event) (Event, error) {
	c := r.conversation(conversationID)
	c.mu.Lock()
	defer c.mu.Unlock()

	log := r.log.With(zap.String("conversation_id", conversationID))
	if !c.loaded {
		var last uint64
		err := r.bounded(ctx, func(ctx context.Context) error {
			var err error
			last, err = r.store.LastSequence(ctx, conversationID)
			return err
		})
		if err != nil {
			log.Warn("failed to load last sequence", zap.Error(err))
		} else {
			c.loaded = true
			if last > c.seq {
				c.seq = last
			}
		}
	}
	c.seq++
	ev.ConversationID = conversationID
	ev.Sequence = c.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	var perr error
	err := errSequenceUnknown
	if c.loaded {
		stored := ev
		err = r.bounded(ctx, func(ctx context.Context) error { return r.store.AppendEvent(ctx, stored) })
	}
	if err != nil {
		r.obs.PersistenceFailed()
		log.Warn("event not persisted",
			zap.Uint64("sequence", ev.Sequence),
			zap.String("type", string(ev.Type)),
			zap.Error(err))
		perr = fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	r.obs.EventRecorded(string(ev.Type))

	for sub := range c.subs {
		select {
		case sub.ch <- ev:
		default:
			log.Warn("dropping slow subscriber")
			delete(c.subs, sub)
			close(sub.ch)
		}
	}
	return ev, perr
}

// bounded runs a store call and gives up on it after the persist timeout or
// the caller's deadline, whichever comes first. Stores that ignore their
// context keep running in the background.
func (r *Recorder) bounded(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- fn(ctx) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe streams events appended after this call. There is no replay; use
// List for history.
func (r *Recorder) Subscribe(conversationID string) *Subscription {
	c := r.conversation(conversationID)
	ch := make(chan Event, SubscriberBuffer)
	sub := &Subscription{C: ch, ch: ch, conv: c}
	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()
	return sub
}

// Close ends the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.conv.mu.Lock()
	defer s.conv.mu.Unlock()
	if _, ok := s.conv.subs[s]; ok {
		delete(s.conv.subs, s)
		close(s.ch)
	}
}

// List replays stored events with a sequence greater than since.
func (r *Recorder) List(ctx context.Context, conversationID string, since uint64) ([]Event, error) {
	return r.store.ListEvents(ctx, conversationID, since)
}

// SubscriberCount reports the live subscribers of a conversation.
func (r *Recorder) SubscriberCount(conversationID string) int {
	c := r.conversation(conversationID)
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}
