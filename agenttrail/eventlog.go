package agenttrail

import (
	"context"
	"time"

	"github.com/dshills/agenttrail-go/emit"
	"github.com/dshills/agenttrail-go/store"
	"github.com/google/uuid"
)

// storeEmitter adapts the Store's append-only event log to the
// `emit.Emitter` interface, so every Runtime gets durable event history
// regardless of which user-facing emitter (log/otel/null) it was
// constructed with. Lives in `agenttrail`, not `emit`, because `emit` has
// no dependency on `store` and none is introduced for this alone.
type storeEmitter struct {
	st store.Store
}

func newStoreEmitter(st store.Store) emit.Emitter {
	return &storeEmitter{st: st}
}

func (e *storeEmitter) Emit(ev emit.Event) {
	_ = e.st.AppendEvent(context.Background(), toStoreEvent(ev))
}

func (e *storeEmitter) EmitBatch(ctx context.Context, events []emit.Event) error {
	for _, ev := range events {
		if err := e.st.AppendEvent(ctx, toStoreEvent(ev)); err != nil {
			return err
		}
	}
	return nil
}

func (e *storeEmitter) Flush(ctx context.Context) error { return nil }

func toStoreEvent(ev emit.Event) *store.Event {
	return &store.Event{
		ID:        uuid.NewString(),
		RunID:     ev.RunID,
		CallID:    ev.CallID,
		Kind:      ev.Msg,
		Payload:   eventPayload(ev.Meta),
		CreatedAt: time.Now().UTC(),
	}
}

func eventPayload(meta map[string]any) []byte {
	if len(meta) == 0 {
		return nil
	}
	raw, err := marshalInput(meta)
	if err != nil {
		return nil
	}
	return raw
}

// multiEmitter fans every event out to each inner emitter.
type multiEmitter struct {
	emitters []emit.Emitter
}

func newMultiEmitter(emitters ...emit.Emitter) emit.Emitter {
	return &multiEmitter{emitters: emitters}
}

func (m *multiEmitter) Emit(ev emit.Event) {
	for _, e := range m.emitters {
		e.Emit(ev)
	}
}

func (m *multiEmitter) EmitBatch(ctx context.Context, events []emit.Event) error {
	var firstErr error
	for _, e := range m.emitters {
		if err := e.EmitBatch(ctx, events); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *multiEmitter) Flush(ctx context.Context) error {
	var firstErr error
	for _, e := range m.emitters {
		if err := e.Flush(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
