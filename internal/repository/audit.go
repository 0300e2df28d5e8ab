package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/panditbooking/booking/internal/booking"
	"github.com/panditbooking/booking/pkg/audit"
)

// AuditFilter 审计查询条件。按预订查询时升序，其它情况倒序。
type AuditFilter struct {
	BookingID *uuid.UUID
	ActorID   *uuid.UUID
	Action    *booking.Action
	Limit     int
	Offset    int
}

// AppendAudit 追加一条审计；不存在更新或删除接口
func (r *queries) AppendAudit(ctx context.Context, e *booking.AuditEntry) error {
	if e.ID == 0 {
		id, err := r.nextID()
		if err != nil {
			return fmt.Errorf("audit id: %w", err)
		}
		e.ID = id
	}
	var meta []byte
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(audit.SanitizeMetadata(e.Metadata))
		if err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}
		meta = b
	}
	var from sql.NullString
	if e.FromStatus != nil {
		from = sql.NullString{String: string(*e.FromStatus), Valid: true}
	}
	query := `
		INSERT INTO booking.audit_log
		(id, booking_id, from_status, to_status, action, actor_id, actor_role, reason, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.q.ExecContext(ctx, query,
		e.ID, e.BookingID, from, string(e.ToStatus), string(e.Action), nullUUID(e.ActorID),
		string(e.ActorRole), e.Reason, nullString(string(meta)), e.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// ListAudit 按条件查询审计
func (r *queries) ListAudit(ctx context.Context, f AuditFilter) ([]booking.AuditEntry, error) {
	var (
		where  []string
		args   []interface{}
		argIdx = 1
	)
	if f.BookingID != nil {
		where = append(where, fmt.Sprintf("booking_id = $%d", argIdx))
		args = append(args, *f.BookingID)
		argIdx++
	}
	if f.ActorID != nil {
		where = append(where, fmt.Sprintf("actor_id = $%d", argIdx))
		args = append(args, *f.ActorID)
		argIdx++
	}
	if f.Action != nil {
		where = append(where, fmt.Sprintf("action = $%d", argIdx))
		args = append(args, string(*f.Action))
		argIdx++
	}

	query := `
SELECT id, booking_id, from_status, to_status, action, actor_id, actor_role, reason, metadata, created_at
FROM booking.audit_log
`
	if len(where) > 0 {
		query += "WHERE " + strings.Join(where, " AND ") + "\n"
	}
	if f.BookingID != nil {
		query += "ORDER BY created_at, id\n"
	} else {
		query += "ORDER BY created_at DESC, id DESC\n"
	}
	limit := 100
	if f.Limit > 0 {
		limit = f.Limit
	}
	offset := 0
	if f.Offset > 0 {
		offset = f.Offset
	}
	query += fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []booking.AuditEntry
	for rows.Next() {
		var (
			e       booking.AuditEntry
			from    sql.NullString
			to      string
			action  string
			actorID uuid.NullUUID
			role    string
			meta    []byte
		)
		if err := rows.Scan(&e.ID, &e.BookingID, &from, &to, &action, &actorID, &role, &e.Reason, &meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		if from.Valid {
			s := booking.Status(from.String)
			e.FromStatus = &s
		}
		e.ToStatus = booking.Status(to)
		e.Action = booking.Action(action)
		e.ActorID = uuidPtr(actorID)
		e.ActorRole = booking.Role(role)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListByBooking 单个预订的完整审计（升序，不分页）
func (r *queries) ListByBooking(ctx context.Context, bookingID uuid.UUID) ([]booking.AuditEntry, error) {
	return r.ListAudit(ctx, AuditFilter{BookingID: &bookingID, Limit: 1000})
}

func (r *queries) ListByActor(ctx context.Context, actorID uuid.UUID, limit, offset int) ([]booking.AuditEntry, error) {
	return r.ListAudit(ctx, AuditFilter{ActorID: &actorID, Limit: limit, Offset: offset})
}

func (r *queries) ListByAction(ctx context.Context, action booking.Action, limit, offset int) ([]booking.AuditEntry, error) {
	return r.ListAudit(ctx, AuditFilter{Action: &action, Limit: limit, Offset: offset})
}
