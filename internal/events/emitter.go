package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/collably/collably/internal/idgen"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	emitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collably",
		Subsystem: "events",
		Name:      "emit_total",
		Help:      "Total event emit attempts by event type.",
	}, []string{"event_type"})

	emitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collably",
		Subsystem: "events",
		Name:      "emit_errors_total",
		Help:      "Total event emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(emitTotal, emitErrors)
}

// Emitter sends lifecycle events through a Sink. All methods are
// fire-and-forget: errors are logged and counted but never returned, so a
// down webhook endpoint cannot fail a wallet operation.
type Emitter struct {
	sink   Sink
	logger *slog.Logger
}

// NewEmitter creates an event emitter. A nil sink produces a no-op emitter.
func NewEmitter(sink Sink, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{sink: sink, logger: logger}
}

// BalanceChanged emits the event matching a committed wallet operation.
// kind is the journal kind that caused the change.
func (e *Emitter) BalanceChanged(ctx context.Context, kind, userID string, total, withdrawable, frozen int64) {
	var eventType Type
	switch kind {
	case "credit":
		eventType = TypeWalletCredited
	case "freeze":
		eventType = TypeEscrowFrozen
	case "release":
		eventType = TypeEscrowReleased
	case "refund":
		eventType = TypeEscrowRefunded
	default:
		e.logger.Warn("dropping event with unknown kind", "kind", kind, "user_id", userID)
		return
	}

	e.emit(eventType, map[string]interface{}{
		"userId":              userID,
		"totalBalance":        total,
		"withdrawableBalance": withdrawable,
		"frozenBalance":       frozen,
	})
}

func (e *Emitter) emit(eventType Type, data map[string]interface{}) {
	if e == nil || e.sink == nil {
		return
	}
	emitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	// Detached from the request context so the delivery survives the
	// response being written.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.sink.Deliver(ctx, event); err != nil {
			emitErrors.WithLabelValues(string(eventType)).Inc()
			e.logger.Warn("event delivery failed", "event", eventType, "error", err)
		}
	}()
}
