package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// EffectStatus outbox 记录状态
type EffectStatus string

const (
	EffectPending   EffectStatus = "PENDING"
	EffectDelivered EffectStatus = "DELIVERED"
	EffectDead      EffectStatus = "DEAD"
)

// Effect 与状态写同事务提交的待投递副作用
type Effect struct {
	ID            int64
	Kind          string
	BookingID     uuid.UUID
	Payload       json.RawMessage
	DedupeKey     string
	Attempts      int
	MaxAttempts   int
	NextAttemptAt time.Time
	LastError     string
	Status        EffectStatus
	CreatedAt     time.Time
	DeliveredAt   *time.Time
}

const effectColumns = `id, kind, booking_id, payload, dedupe_key, attempts, max_attempts,
	next_attempt_at, last_error, status, created_at, delivered_at`

// Enqueue 写入 outbox。DedupeKey 已存在时不重复写入，返回 false；
// 已进入 DEAD 的同键记录会被重新激活（attempts 清零），返回 true。
func (r *queries) Enqueue(ctx context.Context, e *Effect) (bool, error) {
	if e.ID == 0 {
		id, err := r.nextID()
		if err != nil {
			return false, fmt.Errorf("outbox id: %w", err)
		}
		e.ID = id
	}
	if e.Status == "" {
		e.Status = EffectPending
	}
	if e.NextAttemptAt.IsZero() {
		e.NextAttemptAt = e.CreatedAt
	}
	query := `
		INSERT INTO booking.outbox
		(id, kind, booking_id, payload, dedupe_key, attempts, max_attempts, next_attempt_at, last_error, status, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, '', $8, $9)
		ON CONFLICT (dedupe_key) DO UPDATE SET
			payload = EXCLUDED.payload,
			attempts = 0,
			max_attempts = EXCLUDED.max_attempts,
			next_attempt_at = EXCLUDED.next_attempt_at,
			last_error = '',
			status = 'PENDING'
		WHERE booking.outbox.status = 'DEAD'
	`
	res, err := r.q.ExecContext(ctx, query,
		e.ID, e.Kind, e.BookingID, string(e.Payload), nullString(e.DedupeKey), e.MaxAttempts,
		e.NextAttemptAt.UTC(), string(e.Status), e.CreatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", e.Kind, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return rows == 1, nil
}

// ClaimDue 领取到期的 PENDING 记录，并把 next_attempt_at 推到 now+lease 作为租约，
// 多个 dispatcher 并发时通过 SKIP LOCKED 互不阻塞。
func (r *queries) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Effect, error) {
	query := `
		UPDATE booking.outbox
		SET next_attempt_at = $1
		WHERE id IN (
			SELECT id FROM booking.outbox
			WHERE status = 'PENDING' AND next_attempt_at <= $2
			ORDER BY next_attempt_at, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + effectColumns
	rows, err := r.q.QueryContext(ctx, query, now.Add(lease).UTC(), now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	defer rows.Close()

	var out []Effect
	for rows.Next() {
		var (
			e         Effect
			payload   []byte
			dedupe    *string
			status    string
			delivered pq.NullTime
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.BookingID, &payload, &dedupe, &e.Attempts, &e.MaxAttempts,
			&e.NextAttemptAt, &e.LastError, &status, &e.CreatedAt, &delivered); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		e.Payload = append(json.RawMessage(nil), payload...)
		if dedupe != nil {
			e.DedupeKey = *dedupe
		}
		e.Status = EffectStatus(status)
		if delivered.Valid {
			t := delivered.Time
			e.DeliveredAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkDelivered 投递成功
func (r *queries) MarkDelivered(ctx context.Context, id int64, at time.Time) error {
	query := `UPDATE booking.outbox SET status = 'DELIVERED', delivered_at = $1, last_error = '' WHERE id = $2`
	res, err := r.q.ExecContext(ctx, query, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrEffectNotFound
	}
	return nil
}

// MarkFailed 记录失败并安排下一次重试；dead 为 true 时不再投递
func (r *queries) MarkFailed(ctx context.Context, id int64, attempts int, next time.Time, lastErr string, dead bool) error {
	status := EffectPending
	if dead {
		status = EffectDead
	}
	lastErr = truncateUTF8(lastErr, maxLastError)
	query := `UPDATE booking.outbox SET attempts = $1, next_attempt_at = $2, last_error = $3, status = $4 WHERE id = $5`
	res, err := r.q.ExecContext(ctx, query, attempts, next.UTC(), lastErr, string(status), id)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrEffectNotFound
	}
	return nil
}

const maxLastError = 1000

// truncateUTF8 按字节截断且不切断多字节字符，TEXT 列拒绝非法 UTF-8
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.ToValidUTF8(s[:cut], "")
}

// CountEffects 按状态统计，供监控使用
func (r *queries) CountEffects(ctx context.Context, status EffectStatus) (int64, error) {
	var n int64
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM booking.outbox WHERE status = $1`, string(status)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count outbox: %w", err)
	}
	return n, nil
}
