package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/rfarrell/chartsync/internal/engine"
	"github.com/rfarrell/chartsync/internal/queue"
	"github.com/rfarrell/chartsync/internal/store"
)

// Handler bridges engine events and queue changes into dashboard messages.
type Handler struct {
	server *Server
	logger *log.Logger

	unsubs []func()
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}

	return &Handler{
		server: server,
		logger: logger,
	}
}

// Attach subscribes the handler to engine events and queue changes.
// Either source may be nil. Call Detach to remove the subscriptions.
func (h *Handler) Attach(e *engine.Engine, q *queue.Queue) {
	if e != nil {
		h.unsubs = append(h.unsubs,
			e.On(engine.EventStatusChange, h.onStatusChange),
			e.On(engine.EventProgress, h.onProgress),
			e.On(engine.EventConflict, h.onConflict),
			e.On(engine.EventComplete, h.onComplete),
		)
	}
	if q != nil {
		h.unsubs = append(h.unsubs, q.Subscribe(h.onQueueChange))
	}
}

// Detach removes all subscriptions registered by Attach.
func (h *Handler) Detach() {
	for _, unsub := range h.unsubs {
		unsub()
	}
	h.unsubs = nil
}

// onStatusChange broadcasts engine status transitions.
func (h *Handler) onStatusChange(ev engine.Event) {
	h.send(MessageTypeStatus, StatusData{Status: string(ev.Status)})
}

// onProgress broadcasts per-mutation pass progress.
func (h *Handler) onProgress(ev engine.Event) {
	h.send(MessageTypeProgress, ProgressData{
		Processed: ev.Processed,
		Total:     ev.Total,
	})
}

// onConflict broadcasts a detected conflict. Payloads stay off the wire;
// the dashboard identifies the row, it does not display chart contents.
func (h *Handler) onConflict(ev engine.Event) {
	if ev.Conflict == nil {
		return
	}
	h.send(MessageTypeConflict, ConflictData{
		MutationID:    ev.Conflict.MutationID,
		Table:         ev.Conflict.Table,
		EntityID:      ev.Conflict.EntityID,
		Operation:     string(ev.Conflict.Operation),
		ServerMissing: ev.Conflict.ServerMissing(),
	})
}

// onComplete broadcasts the pass summary.
func (h *Handler) onComplete(ev engine.Event) {
	if ev.Result == nil {
		return
	}
	h.send(MessageTypeSyncComplete, SyncCompleteData{
		Succeeded: ev.Result.Succeeded,
		Failed:    ev.Result.Failed,
		Conflicts: len(ev.Result.Conflicts),
		Duration:  ev.Result.Duration.Round(time.Millisecond).String(),
	})
}

// onQueueChange broadcasts queue depth after any enqueue, merge, or removal.
func (h *Handler) onQueueChange(muts []*store.Mutation) {
	data := QueueData{Total: len(muts)}
	for _, m := range muts {
		switch m.Status {
		case store.StatusPending, store.StatusSyncing:
			data.Pending++
		case store.StatusFailed:
			data.Failed++
		case store.StatusConflict:
			data.Conflict++
		}
	}
	h.send(MessageTypeQueue, data)
}

// BroadcastQueueDepth pushes the current queue composition, used to prime
// the dashboard at daemon startup.
func (h *Handler) BroadcastQueueDepth(ctx context.Context, q *queue.Queue) {
	muts, err := q.All(ctx)
	if err != nil {
		h.logger.Printf("Failed to load queue for dashboard: %v", err)
		return
	}
	h.onQueueChange(muts)
}

// send marshals and broadcasts one message.
func (h *Handler) send(t MessageType, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s message: %v", t, err)
		return
	}

	h.server.Broadcast(Message{
		Type:      t,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}
