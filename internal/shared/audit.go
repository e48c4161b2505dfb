package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Audit actions recorded by the invoicing workflow.
const (
	AuditInvoiceGenerated = "invoice.generated"
	AuditInvoiceReissued  = "invoice.reissued"
	AuditInvoiceVoided    = "invoice.voided"
	AuditInvoicePaid      = "invoice.payment_applied"
	AuditPaymentInitiated = "payment.initiated"
	AuditPaymentConfirmed = "payment.confirmed"
	AuditPaymentFailed    = "payment.failed"
	// AuditPaymentUnapplied marks money the provider collected that could not
	// be credited to its invoice and needs a refund or manual allocation.
	AuditPaymentUnapplied = "payment.unapplied"
)

// AuditLog represents a record stored in audit_logs.
type AuditLog struct {
	ActorID  int64
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil {
		return errors.New("audit logger not initialised")
	}
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	if log.At.IsZero() {
		log.At = time.Now()
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	var actor *int64
	if log.ActorID > 0 {
		actor = &log.ActorID
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO audit_logs (actor_id, action, entity, entity_id, meta, occurred_at) VALUES ($1, $2, $3, $4, $5, $6)`, actor, log.Action, log.Entity, log.EntityID, metaJSON, log.At)
	return err
}
