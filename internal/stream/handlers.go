package stream

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/scholarly/hypersync/internal/annotation"
	"github.com/scholarly/hypersync/internal/memo"
	"github.com/scholarly/hypersync/internal/pool"
)

// NotificationType is the only frame type the pipeline consumes.
const NotificationType = "annotation-notification"

// Event actions.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Event is one decoded annotation-notification frame.
type Event struct {
	Type    string            `json:"type"`
	Options EventOptions      `json:"options"`
	Payload []json.RawMessage `json:"payload"`
}

type EventOptions struct {
	Action string `json:"action"`
}

// Handler is one stage of the event pipeline. Filter rejects events
// before side effects; Handle applies them. Handlers run serialized,
// in pipeline order, and must not block the event loop.
type Handler interface {
	Filter(ev *Event) bool
	Handle(ev *Event) error
}

// FilterHandler pairs plain functions into a Handler. A nil FilterFn
// accepts everything.
type FilterHandler struct {
	FilterFn func(ev *Event) bool
	HandleFn func(ev *Event) error
}

func (h FilterHandler) Filter(ev *Event) bool {
	if h.FilterFn == nil {
		return true
	}
	return h.FilterFn(ev)
}

func (h FilterHandler) Handle(ev *Event) error { return h.HandleFn(ev) }

// Pipeline runs handlers in a fixed order per event. A handler error
// is logged and the remaining handlers still run; one misbehaving
// handler must not starve the others or kill the subscriber.
type Pipeline struct {
	handlers []Handler
}

func NewPipeline(handlers ...Handler) *Pipeline {
	return &Pipeline{handlers: handlers}
}

// Dispatch feeds one event through the chain.
func (p *Pipeline) Dispatch(ev *Event) {
	for _, h := range p.handlers {
		if !h.Filter(ev) {
			continue
		}
		if err := h.Handle(ev); err != nil {
			log.Error().Err(err).Str("action", ev.Options.Action).Msg("handler failed")
		}
	}
}

// Applied describes one event after the sync handler applied it. Anno
// is nil for deletes; Tomb is non-nil only for deletes.
type Applied struct {
	Action string
	Anno   *annotation.Annotation
	Tomb   *annotation.Tombstone
}

// SyncHelper observes applied events with the current record list.
type SyncHelper func(applied Applied, all []*annotation.Annotation)

// SyncHandler is the canonical handler keeping the pool and the cache
// file consistent with the stream: creates append, updates replace by
// id, deletes evict, and every mutation persists.
type SyncHandler struct {
	pool    *pool.Pool
	memo    memo.FileStore // nil disables persistence
	helpers []SyncHelper
}

// NewSyncHandler wires the pool and the memoizer. A nil store keeps
// the index in memory only.
func NewSyncHandler(p *pool.Pool, store memo.FileStore, helpers ...SyncHelper) *SyncHandler {
	if store == nil {
		log.Warn().Msg("no memoizer supplied to sync handler, events will not persist")
	}
	return &SyncHandler{pool: p, memo: store, helpers: helpers}
}

func (h *SyncHandler) Filter(ev *Event) bool { return true }

func (h *SyncHandler) Handle(ev *Event) error {
	if len(ev.Payload) == 0 {
		return fmt.Errorf("notification with empty payload, action %q", ev.Options.Action)
	}

	applied := Applied{Action: ev.Options.Action}
	switch ev.Options.Action {
	case ActionCreate:
		a, err := annotation.Parse(ev.Payload[0])
		if err != nil {
			return err
		}
		h.pool.Add(a)
		applied.Anno = a

	case ActionUpdate:
		a, err := annotation.Parse(ev.Payload[0])
		if err != nil {
			return err
		}
		// Add replaces any record with the same id; the incoming
		// revision wins by updated monotonicity.
		h.pool.Add(a)
		applied.Anno = a

	case ActionDelete:
		var row struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(ev.Payload[0], &row); err != nil {
			return fmt.Errorf("decode delete payload: %w", err)
		}
		if row.ID == "" {
			return fmt.Errorf("delete payload has no id")
		}
		h.pool.Remove(row.ID)
		tomb := annotation.NewTombstone(row.ID)
		applied.Tomb = &tomb

	default:
		return fmt.Errorf("unknown action %q", ev.Options.Action)
	}

	if h.memo != nil {
		if err := h.memo.Memoize(h.pool.Annos()); err != nil {
			return err
		}
	}

	for _, helper := range h.helpers {
		helper(applied, h.pool.Annos())
	}
	return nil
}

// LogHandler logs each notification. Handy as the last pipeline stage.
type LogHandler struct{}

func (LogHandler) Filter(ev *Event) bool { return true }

func (LogHandler) Handle(ev *Event) error {
	logger := log.With().Str("action", ev.Options.Action).Logger()
	if len(ev.Payload) > 0 {
		var row struct {
			ID  string `json:"id"`
			URI string `json:"uri"`
		}
		if err := json.Unmarshal(ev.Payload[0], &row); err == nil {
			logger = logger.With().Str("id", row.ID).Str("uri", row.URI).Logger()
		}
	}
	logger.Info().Msg("annotation notification")
	return nil
}
