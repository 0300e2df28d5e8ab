// Package directory 服务者、服务类型与可预约时段查询（PostgreSQL）
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/panditbooking/booking/internal/booking"
)

var (
	ErrProviderNotFound    = errors.New("provider not found")
	ErrServiceTypeNotFound = errors.New("service type not found")
)

// Provider 服务者档案；金额为最小单位
type Provider struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	Name          string
	Verified      bool
	Available     bool
	BaseFee       int64
	FeeOverrides  map[uuid.UUID]int64
	PayoutAccount string
}

// Fee 服务类型有单独定价时使用单独定价，否则使用基础价
func (p *Provider) Fee(serviceTypeID uuid.UUID) int64 {
	if fee, ok := p.FeeOverrides[serviceTypeID]; ok {
		return fee
	}
	return p.BaseFee
}

// ServiceType 服务类型
type ServiceType struct {
	ID            uuid.UUID
	Name          string
	DurationHours float64
}

// AvailabilitySlot 服务者声明的可预约窗口
type AvailabilitySlot struct {
	ID            uuid.UUID
	ProviderID    uuid.UUID
	Date          time.Time
	StartTime     string
	EndTime       string
	IsBooked      bool
	BookingID     *uuid.UUID
	IsBlocked     bool
	BlockedReason string
}

// Free 未被预订且未被屏蔽
func (s AvailabilitySlot) Free() bool {
	return !s.IsBooked && !s.IsBlocked
}

// FirstFree 返回第一个可用窗口
func FirstFree(slots []AvailabilitySlot) (AvailabilitySlot, bool) {
	for _, s := range slots {
		if s.Free() {
			return s, true
		}
	}
	return AvailabilitySlot{}, false
}

// Repository 目录数据访问
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// GetProvider 查询服务者及其按服务类型的定价
func (r *Repository) GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error) {
	query := `
		SELECT id, user_id, name, is_verified, is_available, base_fee::text, payout_account
		FROM directory.providers
		WHERE id = $1
	`
	var (
		p       Provider
		baseFee string
	)
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID, &p.UserID, &p.Name, &p.Verified, &p.Available, &baseFee, &p.PayoutAccount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProviderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get provider: %w", err)
	}
	if p.BaseFee, err = booking.ParseAmount(baseFee); err != nil {
		return nil, fmt.Errorf("provider %s base fee: %w", id, err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT service_type_id, fee::text FROM directory.provider_fees WHERE provider_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get provider fees: %w", err)
	}
	defer rows.Close()

	p.FeeOverrides = make(map[uuid.UUID]int64)
	for rows.Next() {
		var (
			serviceTypeID uuid.UUID
			fee           string
		)
		if err := rows.Scan(&serviceTypeID, &fee); err != nil {
			return nil, fmt.Errorf("scan provider fee: %w", err)
		}
		minor, err := booking.ParseAmount(fee)
		if err != nil {
			return nil, fmt.Errorf("provider %s fee for %s: %w", id, serviceTypeID, err)
		}
		p.FeeOverrides[serviceTypeID] = minor
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetServiceType 查询服务类型
func (r *Repository) GetServiceType(ctx context.Context, id uuid.UUID) (*ServiceType, error) {
	var st ServiceType
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, duration_hours FROM directory.service_types WHERE id = $1`, id,
	).Scan(&st.ID, &st.Name, &st.DurationHours)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrServiceTypeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get service type: %w", err)
	}
	return &st, nil
}

// FindAvailability 服务者在某天声明的全部窗口，按开始时间排序
func (r *Repository) FindAvailability(ctx context.Context, providerID uuid.UUID, date time.Time) ([]AvailabilitySlot, error) {
	query := `
		SELECT id, provider_id, date, start_time::text, end_time::text, is_booked, booking_id, is_blocked, blocked_reason
		FROM directory.availability_slots
		WHERE provider_id = $1 AND date = $2
		ORDER BY start_time
	`
	rows, err := r.db.QueryContext(ctx, query, providerID, date.UTC().Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("find availability: %w", err)
	}
	defer rows.Close()

	var out []AvailabilitySlot
	for rows.Next() {
		var (
			s         AvailabilitySlot
			bookingID uuid.NullUUID
		)
		if err := rows.Scan(&s.ID, &s.ProviderID, &s.Date, &s.StartTime, &s.EndTime,
			&s.IsBooked, &bookingID, &s.IsBlocked, &s.BlockedReason); err != nil {
			return nil, fmt.Errorf("scan availability: %w", err)
		}
		if bookingID.Valid {
			id := bookingID.UUID
			s.BookingID = &id
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// MarkSlotBooked 标记窗口已被预订。已由同一预订标记时视为成功；
// 被其它预订占用时返回 false。
func (r *Repository) MarkSlotBooked(ctx context.Context, slotID, bookingID uuid.UUID) (bool, error) {
	query := `
		UPDATE directory.availability_slots
		SET is_booked = TRUE, booking_id = $2
		WHERE id = $1 AND (is_booked = FALSE OR booking_id = $2)
	`
	res, err := r.db.ExecContext(ctx, query, slotID, bookingID)
	if err != nil {
		return false, fmt.Errorf("mark slot booked: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return rows == 1, nil
}

// ClearSlotBooking 清除本预订的占用标记；不是本预订占用时不做任何修改
func (r *Repository) ClearSlotBooking(ctx context.Context, slotID, bookingID uuid.UUID) error {
	query := `
		UPDATE directory.availability_slots
		SET is_booked = FALSE, booking_id = NULL
		WHERE id = $1 AND booking_id = $2
	`
	if _, err := r.db.ExecContext(ctx, query, slotID, bookingID); err != nil {
		return fmt.Errorf("clear slot booking: %w", err)
	}
	return nil
}
