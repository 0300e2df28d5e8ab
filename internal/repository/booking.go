package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/panditbooking/booking/internal/booking"
)

const (
	liveSlotConstraint      = "bookings_live_slot_uniq"
	bookingNumberConstraint = "bookings_booking_number_key"
)

const bookingColumns = `id, booking_number, customer_id, provider_id, service_type_id, slot_id,
	scheduled_at, duration_hours, status, base_amount, platform_fee, total_amount, provider_payout,
	currency, accept_deadline, cancellation_reason, decline_reason, cancelled_by, address,
	special_requirements, confirmed_at, completed_at, cancelled_at, created_at, updated_at`

// StatusUpdate 一次状态 CAS；Expected 为允许的当前状态
type StatusUpdate struct {
	BookingID          uuid.UUID
	Expected           []booking.Status
	To                 booking.Status
	At                 time.Time
	CancellationReason string
	DeclineReason      string
	CancelledBy        booking.Role
	ConfirmedAt        *time.Time
	CompletedAt        *time.Time
	CancelledAt        *time.Time
}

// BookingFilter 列表查询条件；nil 字段不过滤
type BookingFilter struct {
	CustomerID *uuid.UUID
	ProviderID *uuid.UUID
	Status     *booking.Status
	Limit      int
	Offset     int
}

// InsertBooking 写入新预订。活跃时段唯一索引冲突返回 ErrDuplicateBooking。
func (r *queries) InsertBooking(ctx context.Context, b *booking.Booking) error {
	query := `
		INSERT INTO booking.bookings
		(id, booking_number, customer_id, provider_id, service_type_id, slot_id,
		 scheduled_at, duration_hours, status, base_amount, platform_fee, total_amount, provider_payout,
		 currency, accept_deadline, address, special_requirements, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	_, err := r.q.ExecContext(ctx, query,
		b.ID, b.BookingNumber, b.CustomerID, b.ProviderID, b.ServiceTypeID, nullUUID(b.SlotID),
		b.ScheduledAt.UTC(), b.DurationHours, string(b.Status),
		b.BaseAmount, b.PlatformFee, b.TotalAmount, b.ProviderPayout,
		b.Currency, b.AcceptDeadline.UTC(), nullString(string(b.Address)), b.SpecialRequirements,
		b.CreatedAt.UTC(), b.UpdatedAt.UTC(),
	)
	if err != nil {
		switch {
		case isUniqueViolation(err, liveSlotConstraint):
			return ErrDuplicateBooking
		case isUniqueViolation(err, bookingNumberConstraint):
			return ErrDuplicateNumber
		}
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}

// GetBooking 按 ID 查询
func (r *queries) GetBooking(ctx context.Context, id uuid.UUID) (*booking.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM booking.bookings WHERE id = $1`
	b, err := scanBooking(r.q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get booking: %w", err)
	}
	return b, nil
}

// UpdateStatus 条件更新状态；当前状态不在 Expected 中时返回 ErrStatusConflict
func (r *queries) UpdateStatus(ctx context.Context, u StatusUpdate) error {
	if len(u.Expected) == 0 {
		return errors.New("expected statuses required")
	}
	query := `
		UPDATE booking.bookings
		SET status = $1,
			updated_at = $2,
			cancellation_reason = COALESCE(NULLIF($3, ''), cancellation_reason),
			decline_reason = COALESCE(NULLIF($4, ''), decline_reason),
			cancelled_by = COALESCE(NULLIF($5, ''), cancelled_by),
			confirmed_at = COALESCE($6, confirmed_at),
			completed_at = COALESCE($7, completed_at),
			cancelled_at = COALESCE($8, cancelled_at)
		WHERE id = $9 AND status = ANY($10)
	`
	res, err := r.q.ExecContext(ctx, query,
		string(u.To), u.At.UTC(), u.CancellationReason, u.DeclineReason, string(u.CancelledBy),
		nullTime(u.ConfirmedAt), nullTime(u.CompletedAt), nullTime(u.CancelledAt),
		u.BookingID, pq.Array(statusStrings(u.Expected)),
	)
	if err != nil {
		return fmt.Errorf("update booking status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrStatusConflict
	}
	return nil
}

// ListBookings 按创建时间倒序分页，返回当页数据与总数
func (r *queries) ListBookings(ctx context.Context, f BookingFilter) ([]*booking.Booking, int, error) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.CustomerID != nil {
		add("customer_id = $%d", *f.CustomerID)
	}
	if f.ProviderID != nil {
		add("provider_id = $%d", *f.ProviderID)
	}
	if f.Status != nil {
		add("status = $%d", string(*f.Status))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit, f.Offset)
	query := `SELECT ` + bookingColumns + `, COUNT(*) OVER() FROM booking.bookings` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list bookings: %w", err)
	}
	defer rows.Close()

	var (
		out   []*booking.Booking
		total int
	)
	for rows.Next() {
		b, err := scanBooking(rows, &total)
		if err != nil {
			return nil, 0, fmt.Errorf("scan booking: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// FindExpired 接单/支付窗口已过但仍占用时段的预订
func (r *queries) FindExpired(ctx context.Context, statuses []booking.Status, now time.Time, limit int) ([]*booking.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM booking.bookings
		WHERE status = ANY($1) AND accept_deadline < $2
		ORDER BY accept_deadline
		LIMIT $3`
	rows, err := r.q.QueryContext(ctx, query, pq.Array(statusStrings(statuses)), now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("find expired bookings: %w", err)
	}
	defer rows.Close()

	var out []*booking.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBooking(row rowScanner, extra ...interface{}) (*booking.Booking, error) {
	var (
		b           booking.Booking
		slotID      uuid.NullUUID
		status      string
		cancelledBy string
		address     []byte
		confirmedAt sql.NullTime
		completedAt sql.NullTime
		cancelledAt sql.NullTime
	)
	dest := []interface{}{
		&b.ID, &b.BookingNumber, &b.CustomerID, &b.ProviderID, &b.ServiceTypeID, &slotID,
		&b.ScheduledAt, &b.DurationHours, &status, &b.BaseAmount, &b.PlatformFee, &b.TotalAmount, &b.ProviderPayout,
		&b.Currency, &b.AcceptDeadline, &b.CancellationReason, &b.DeclineReason, &cancelledBy, &address,
		&b.SpecialRequirements, &confirmedAt, &completedAt, &cancelledAt, &b.CreatedAt, &b.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	b.SlotID = uuidPtr(slotID)
	b.Status = booking.Status(status)
	b.CancelledBy = booking.Role(cancelledBy)
	if len(address) > 0 {
		b.Address = append([]byte(nil), address...)
	}
	b.ConfirmedAt = timePtr(confirmedAt)
	b.CompletedAt = timePtr(completedAt)
	b.CancelledAt = timePtr(cancelledAt)
	return &b, nil
}
