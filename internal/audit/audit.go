// Package audit provides the append-only trail for order transitions
// and credential access. Audit writes are fail-open for the trading
// path: a failed write never blocks the operation that produced it, but
// it is escalated loudly for the operator.
package audit

import (
	"context"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/realisonsdotcom/execution-core/libs/metrics"
)

const (
	EventOrderReceived     = "order.received"
	EventOrderTransition   = "order.transition"
	EventOrderAttempt      = "order.dispatch_attempt"
	EventOrderCancel       = "order.cancel"
	EventCredentialStore   = "credential.store"
	EventCredentialResolve = "credential.resolve"
	EventCredentialRotate  = "credential.rotate"
)

// Entry is one append-only record. Detail must never contain secret
// material; the vault and adapters only pass identifiers and outcomes.
type Entry struct {
	ID        uuid.UUID
	OrderID   string
	AccountID string
	BrokerID  string
	Event     string
	Actor     string
	Detail    string
	CreatedAt time.Time
}

type Filter struct {
	OrderID   string
	AccountID string
	Limit     int
}

type Store interface {
	InsertAuditEntry(ctx context.Context, entry Entry) error
	ListAuditEntries(ctx context.Context, filter Filter) ([]Entry, error)
}

type Metrics struct {
	WriteFailures prometheus.Counter
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		WriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "execution",
			Name:      "audit_write_failures_total",
			Help:      "Audit writes that failed and were dropped (fail-open).",
		}),
	}
	if registry != nil {
		registry.MustRegister(m.WriteFailures)
	}
	return m
}

// Recorder writes entries through the store. On write failure the
// triggering operation still completes; the failure is logged,
// counted, and the degraded-observability gauge is raised.
type Recorder struct {
	store   Store
	logger  *slog.Logger
	metrics *Metrics
}

func NewRecorder(store Store, logger *slog.Logger, m *Metrics) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger, metrics: m}
}

func (r *Recorder) Record(ctx context.Context, entry Entry) {
	if r == nil || r.store == nil {
		return
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.Detail = strings.TrimSpace(entry.Detail)

	if err := r.store.InsertAuditEntry(ctx, entry); err != nil {
		if r.metrics != nil {
			r.metrics.WriteFailures.Inc()
		}
		metrics.DegradedObservability.Set(1)
		r.logger.Error("audit write failed",
			"event", entry.Event,
			"order_id", entry.OrderID,
			"account_id", entry.AccountID,
			"error", err,
		)
		return
	}
	metrics.DegradedObservability.Set(0)
}

// Query returns entries for one order or account, newest first.
func (r *Recorder) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	return r.store.ListAuditEntries(ctx, filter)
}
