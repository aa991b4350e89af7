// Package audit records one event per connect and per sync.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"
	"github.com/nats-io/nats.go"
	"github.com/raterudder/solarsync/pkg/log"
	"github.com/raterudder/solarsync/pkg/storage"
	"github.com/raterudder/solarsync/pkg/types"
)

// Sink receives audit events.
type Sink interface {
	Record(ctx context.Context, event types.AuditEvent) error
}

func withID(event types.AuditEvent) types.AuditEvent {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	return event
}

// Database inserts events into the audit table of the store.
type Database struct {
	DB storage.Database
}

func (d Database) Record(ctx context.Context, event types.AuditEvent) error {
	return d.DB.InsertAuditEvent(ctx, withID(event))
}

// Log writes events to the context logger.
type Log struct{}

func (Log) Record(ctx context.Context, event types.AuditEvent) error {
	event = withID(event)
	categories := make([]string, len(event.ErrorCategories))
	for i, c := range event.ErrorCategories {
		categories[i] = string(c)
	}
	log.Ctx(ctx).InfoContext(
		ctx,
		"audit",
		slog.String("auditID", event.ID),
		slog.String("tenantID", event.TenantID),
		slog.String("provider", event.Provider),
		slog.String("action", string(event.Action)),
		slog.String("mode", string(event.Mode)),
		slog.String("status", string(event.Status)),
		slog.Int("errorCount", event.ErrorCount),
		slog.String("errorCategories", strings.Join(categories, ",")),
	)
	return nil
}

type publisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes each event as JSON on prefix.tenant.provider.action.
type NATS struct {
	conn   publisher
	prefix string
}

// NewNATS returns a sink publishing on conn.
func NewNATS(conn *nats.Conn, prefix string) *NATS {
	return &NATS{conn: conn, prefix: prefix}
}

func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}

func (n *NATS) subject(event types.AuditEvent) string {
	return strings.Join([]string{
		n.prefix,
		subjectToken(event.TenantID),
		subjectToken(event.Provider),
		subjectToken(string(event.Action)),
	}, ".")
}

func (n *NATS) Record(ctx context.Context, event types.AuditEvent) error {
	event = withID(event)
	b, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	if err := n.conn.Publish(n.subject(event), b); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to publish audit event", slog.Any("error", err))
		return fmt.Errorf("failed to publish audit event: %w", err)
	}
	return nil
}

// Configured sets up the sink based on flags.
func Configured(db storage.Database) Sink {
	kind := lflag.String("audit-sink", "database", "Where audit events are written (available: database, nats, log)")
	natsURL := lflag.String("audit-nats-url", nats.DefaultURL, "NATS server for the nats audit sink")
	subject := lflag.String("audit-nats-subject", "solarsync.audit", "Subject prefix for the nats audit sink")

	var s struct{ Sink }

	lflag.Do(func() {
		switch *kind {
		case "database":
			s.Sink = Database{DB: db}
		case "log":
			s.Sink = Log{}
		case "nats":
			nc, err := nats.Connect(*natsURL, nats.Name("solarsync-audit"), nats.MaxReconnects(-1))
			if err != nil {
				panic(fmt.Sprintf("failed to connect to nats: %v", err))
			}
			s.Sink = NewNATS(nc, *subject)
		default:
			panic(fmt.Sprintf("unknown audit sink: %s", *kind))
		}
	})

	return &s
}
