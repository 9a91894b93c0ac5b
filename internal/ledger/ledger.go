// Package ledger is the append-only event store. It is the sole source of truth:
// every read model is a fold over Events.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"holon/internal/domain"
)

type Backend interface {
	Append(ctx context.Context, ev Event) error
	Load(ctx context.Context) ([]Event, error)
	Close() error
}

// Observer is called synchronously, in seq order, after each accepted append.
type Observer func(Event)

type Options struct {
	// Trunk, when set, is the only branch a root may merge or promote into.
	Trunk  string
	RunID  string
	Now    func() time.Time
	Logger *zap.Logger
}

type Ledger struct {
	backend Backend
	trunk   string
	runID   string
	now     func() time.Time
	log     *zap.Logger

	mu        sync.Mutex
	events    []Event
	idx       *index
	lastTS    time.Time
	observers []Observer
}

// Open loads and verifies the backend's history.
func Open(ctx context.Context, backend Backend, opts Options) (*Ledger, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	events, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	idx, err := verify(events, opts.Trunk)
	if err != nil {
		return nil, err
	}
	l := &Ledger{
		backend: backend,
		trunk:   opts.Trunk,
		runID:   opts.RunID,
		now:     opts.Now,
		log:     opts.Logger.Named("ledger"),
		events:  events,
		idx:     idx,
	}
	if n := len(events); n > 0 {
		l.lastTS = events[n-1].TS
	}
	l.log.Debug("ledger opened", zap.Int("events", len(events)), zap.String("run_id", l.runID))
	return l, nil
}

// Verify replays events through the write-time validator.
func Verify(events []Event, trunk string) error {
	_, err := verify(events, trunk)
	return err
}

func verify(events []Event, trunk string) (*index, error) {
	idx := newIndex(trunk)
	var prev Event
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			return nil, domain.WithSeq(violation("seq %d out of order, expected %d", ev.Seq, i+1), ev.Seq)
		}
		if i > 0 && ev.TS.Before(prev.TS) {
			return nil, domain.WithSeq(violation("ts of seq %d precedes seq %d", ev.Seq, prev.Seq), ev.Seq)
		}
		if err := idx.check(ev); err != nil {
			return nil, domain.WithSeq(err, ev.Seq)
		}
		idx.apply(ev)
		prev = ev
	}
	return idx, nil
}

// Append validates, persists and publishes one event. A rejected record leaves
// the ledger unchanged and returns a LedgerConsistencyViolation.
func (l *Ledger) Append(ctx context.Context, rec Record) (Event, error) {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", rec.Type, err)
	}
	agent := rec.AgentID
	if agent == "" {
		agent = "holon"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ts := l.now().UTC().Round(0)
	if ts.Before(l.lastTS) {
		ts = l.lastTS
	}
	ev := Event{
		SchemaVersion: SchemaVersion,
		Type:          rec.Type,
		TS:            ts,
		Seq:           int64(len(l.events)) + 1,
		RunID:         l.runID,
		AgentID:       agent,
		Git:           rec.Git,
		Payload:       payload,
	}
	if err := l.idx.check(ev); err != nil {
		l.log.Warn("ledger write rejected", zap.String("event_type", string(ev.Type)), zap.Error(err))
		return Event{}, err
	}
	if err := l.backend.Append(ctx, ev); err != nil {
		return Event{}, fmt.Errorf("persist %s: %w", ev.Type, err)
	}
	l.idx.apply(ev)
	l.events = append(l.events, ev)
	l.lastTS = ts
	l.log.Debug("ledger append",
		zap.Int64("seq", ev.Seq),
		zap.String("event_type", string(ev.Type)),
		zap.String("intent_id", ev.IntentID()),
	)
	for _, fn := range l.observers {
		fn(ev)
	}
	return ev, nil
}

// Observe registers fn and replays the existing history into it first.
func (l *Ledger) Observe(fn Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		fn(ev)
	}
	l.observers = append(l.observers, fn)
}

// Events returns a copy of the full history in seq order.
func (l *Ledger) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Since returns up to limit events with seq > after. limit <= 0 means no limit.
func (l *Ledger) Since(after int64, limit int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if after < 0 {
		after = 0
	}
	if after >= int64(len(l.events)) {
		return nil
	}
	rest := l.events[after:]
	if limit > 0 && len(rest) > limit {
		rest = rest[:limit]
	}
	out := make([]Event, len(rest))
	copy(out, rest)
	return out
}

func (l *Ledger) LastSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.events))
}

func (l *Ledger) RunID() string { return l.runID }

// Export writes the full history as JSONL.
func (l *Ledger) Export(w io.Writer) error {
	return WriteJSONL(w, l.Events())
}

func (l *Ledger) Close() error {
	return l.backend.Close()
}
