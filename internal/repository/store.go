// Package repository 预订账本数据访问层（PostgreSQL）
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/panditbooking/booking/internal/booking"
	"github.com/panditbooking/booking/pkg/snowflake"
)

var (
	ErrBookingNotFound  = errors.New("booking not found")
	ErrPaymentNotFound  = errors.New("payment not found")
	ErrStatusConflict   = errors.New("booking status changed concurrently")
	ErrDuplicateBooking = errors.New("duplicate booking")
	ErrDuplicateNumber  = errors.New("duplicate booking number")
	ErrAlreadyCaptured  = errors.New("payment already captured")
	ErrGatewayReused    = errors.New("gateway order or payment bound to another booking")
	ErrPayoutAlreadySet = errors.New("payout already recorded")
	ErrRefundAlreadySet = errors.New("refund already recorded")
	ErrEffectNotFound   = errors.New("outbox effect not found")
)

// querier 由 *sql.DB 与 *sql.Tx 共同实现
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Tx 单个事务内可用的写操作。状态写、审计、outbox 必须在同一事务中提交。
type Tx interface {
	InsertBooking(ctx context.Context, b *booking.Booking) error
	UpdateStatus(ctx context.Context, u StatusUpdate) error
	AppendAudit(ctx context.Context, e *booking.AuditEntry) error
	Enqueue(ctx context.Context, e *Effect) (bool, error)
	UpsertPaymentOrder(ctx context.Context, p *booking.Payment) error
	CapturePayment(ctx context.Context, c Capture) error
	MarkPaymentFailed(ctx context.Context, bookingID uuid.UUID, gatewayPaymentID string, at time.Time) error
	GetPaymentByBooking(ctx context.Context, bookingID uuid.UUID) (*booking.Payment, error)
	SetRefund(ctx context.Context, bookingID uuid.UUID, refundID string, amount int64, status booking.PaymentStatus, at time.Time) error
	SetPayout(ctx context.Context, paymentID uuid.UUID, payoutID string, amount int64, at time.Time) error
	MarkEventProcessed(ctx context.Context, eventID, event string, at time.Time) (bool, error)
}

// Store 账本存储
type Store struct {
	*queries
	db *sql.DB
}

// NewStore ids 为审计与 outbox 主键生成器
func NewStore(db *sql.DB, ids *snowflake.Generator) *Store {
	return &Store{
		queries: &queries{q: db, ids: ids},
		db:      db,
	}
}

// InTx 开启事务执行 fn，fn 返回错误时回滚
func (s *Store) InTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&queries{q: sqlTx, ids: s.ids}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("rollback: %v (cause: %w)", rbErr, err)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type queries struct {
	q   querier
	ids *snowflake.Generator
}

func (r *queries) nextID() (int64, error) {
	if r.ids == nil {
		return 0, errors.New("id generator not configured")
	}
	return r.ids.Generate()
}

// isUniqueViolation 23505 unique_violation
func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func uuidPtr(id uuid.NullUUID) *uuid.UUID {
	if !id.Valid {
		return nil
	}
	v := id.UUID
	return &v
}

func statusStrings(statuses []booking.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
