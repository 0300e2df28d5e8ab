package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/panditbooking/booking/internal/booking"
)

const paymentColumns = `id, booking_id, gateway_order_id, gateway_payment_id, gateway_signature,
	amount, platform_fee, currency, status, refund_id, refund_amount, refunded_at,
	payout_id, payout_amount, payout_at, captured_at, created_at, updated_at`

const (
	gatewayOrderConstraint   = "payments_gateway_order_uniq"
	gatewayPaymentConstraint = "payments_gateway_payment_uniq"
)

// Capture 支付成功写入；没有支付单时直接插入
type Capture struct {
	PaymentID        uuid.UUID
	BookingID        uuid.UUID
	GatewayOrderID   string
	GatewayPaymentID string
	Signature        string
	Amount           int64
	PlatformFee      int64
	Currency         string
	At               time.Time
}

// PayoutCandidate 待结算给服务者的支付
type PayoutCandidate struct {
	PaymentID  uuid.UUID
	BookingID  uuid.UUID
	ProviderID uuid.UUID
	Amount     int64
	Currency   string
}

// UpsertPaymentOrder 创建或刷新网关订单号；已扣款时返回 ErrAlreadyCaptured
func (r *queries) UpsertPaymentOrder(ctx context.Context, p *booking.Payment) error {
	query := `
		INSERT INTO booking.payments
		(id, booking_id, gateway_order_id, amount, platform_fee, currency, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (booking_id) DO UPDATE SET
			gateway_order_id = EXCLUDED.gateway_order_id,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
		WHERE booking.payments.status IN ('PENDING', 'FAILED')
	`
	res, err := r.q.ExecContext(ctx, query,
		p.ID, p.BookingID, p.GatewayOrderID, p.Amount, p.PlatformFee, p.Currency,
		string(booking.PaymentPending), p.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err, gatewayOrderConstraint) {
			return ErrGatewayReused
		}
		return fmt.Errorf("upsert payment order: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrAlreadyCaptured
	}
	return nil
}

// CapturePayment 置为 CAPTURED，至多一次
func (r *queries) CapturePayment(ctx context.Context, c Capture) error {
	query := `
		INSERT INTO booking.payments
		(id, booking_id, gateway_order_id, gateway_payment_id, gateway_signature,
		 amount, platform_fee, currency, status, captured_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'CAPTURED', $9, $9, $9)
		ON CONFLICT (booking_id) DO UPDATE SET
			gateway_order_id = COALESCE(NULLIF(EXCLUDED.gateway_order_id, ''), booking.payments.gateway_order_id),
			gateway_payment_id = EXCLUDED.gateway_payment_id,
			gateway_signature = EXCLUDED.gateway_signature,
			status = 'CAPTURED',
			captured_at = EXCLUDED.captured_at,
			updated_at = EXCLUDED.updated_at
		WHERE booking.payments.status IN ('PENDING', 'FAILED')
	`
	res, err := r.q.ExecContext(ctx, query,
		c.PaymentID, c.BookingID, c.GatewayOrderID, c.GatewayPaymentID, c.Signature,
		c.Amount, c.PlatformFee, c.Currency, c.At.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err, gatewayOrderConstraint) || isUniqueViolation(err, gatewayPaymentConstraint) {
			return ErrGatewayReused
		}
		return fmt.Errorf("capture payment: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrAlreadyCaptured
	}
	return nil
}

// MarkPaymentFailed 只影响 PENDING 的支付单；其它状态保持不变
func (r *queries) MarkPaymentFailed(ctx context.Context, bookingID uuid.UUID, gatewayPaymentID string, at time.Time) error {
	query := `
		UPDATE booking.payments
		SET status = 'FAILED',
			gateway_payment_id = COALESCE(NULLIF($1, ''), gateway_payment_id),
			updated_at = $2
		WHERE booking_id = $3 AND status = 'PENDING'
	`
	if _, err := r.q.ExecContext(ctx, query, gatewayPaymentID, at.UTC(), bookingID); err != nil {
		return fmt.Errorf("mark payment failed: %w", err)
	}
	return nil
}

// GetPaymentByBooking 查询预订对应的支付单
func (r *queries) GetPaymentByBooking(ctx context.Context, bookingID uuid.UUID) (*booking.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM booking.payments WHERE booking_id = $1`
	p, err := scanPayment(r.q.QueryRowContext(ctx, query, bookingID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

// GetPayment 按支付单 ID 查询
func (r *queries) GetPayment(ctx context.Context, id uuid.UUID) (*booking.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM booking.payments WHERE id = $1`
	p, err := scanPayment(r.q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment %s: %w", id, err)
	}
	return p, nil
}

// PaymentFilter 支付记录查询条件，按预订的客户或服务者限定
type PaymentFilter struct {
	CustomerID *uuid.UUID
	ProviderID *uuid.UUID
	Limit      int
	Offset     int
}

// ListPayments 支付历史，按创建时间倒序
func (r *queries) ListPayments(ctx context.Context, f PaymentFilter) ([]*booking.Payment, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.CustomerID != nil {
		args = append(args, *f.CustomerID)
		where = append(where, fmt.Sprintf("b.customer_id = $%d", len(args)))
	}
	if f.ProviderID != nil {
		args = append(args, *f.ProviderID)
		where = append(where, fmt.Sprintf("b.provider_id = $%d", len(args)))
	}
	query := `SELECT ` + prefixColumns("p.", paymentColumns) + `
		FROM booking.payments p
		JOIN booking.bookings b ON b.id = p.booking_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY p.created_at DESC, p.id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var out []*booking.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// prefixColumns 给逗号分隔的列名加表别名
func prefixColumns(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, c := range parts {
		parts[i] = prefix + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}

// GetPaymentByGatewayOrder webhook 按网关订单号反查
func (r *queries) GetPaymentByGatewayOrder(ctx context.Context, orderID string) (*booking.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM booking.payments WHERE gateway_order_id = $1`
	p, err := scanPayment(r.q.QueryRowContext(ctx, query, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment by order: %w", err)
	}
	return p, nil
}

// SetRefund 记录退款，refund_id 只写一次
func (r *queries) SetRefund(ctx context.Context, bookingID uuid.UUID, refundID string, amount int64, status booking.PaymentStatus, at time.Time) error {
	query := `
		UPDATE booking.payments
		SET refund_id = $1, refund_amount = $2, status = $3, refunded_at = $4, updated_at = $4
		WHERE booking_id = $5 AND refund_id IS NULL
	`
	res, err := r.q.ExecContext(ctx, query, refundID, amount, string(status), at.UTC(), bookingID)
	if err != nil {
		return fmt.Errorf("set refund: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrRefundAlreadySet
	}
	return nil
}

// SetPayout 记录结算，payout_id 只写一次
func (r *queries) SetPayout(ctx context.Context, paymentID uuid.UUID, payoutID string, amount int64, at time.Time) error {
	query := `
		UPDATE booking.payments
		SET payout_id = $1, payout_amount = $2, payout_at = $3, updated_at = $3
		WHERE id = $4 AND payout_id IS NULL
	`
	res, err := r.q.ExecContext(ctx, query, payoutID, amount, at.UTC(), paymentID)
	if err != nil {
		return fmt.Errorf("set payout: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrPayoutAlreadySet
	}
	return nil
}

// FindPayoutCandidates 已完成预订中已扣款且尚未结算的支付
func (r *queries) FindPayoutCandidates(ctx context.Context, limit int) ([]PayoutCandidate, error) {
	query := `
		SELECT p.id, p.booking_id, b.provider_id, b.provider_payout, p.currency
		FROM booking.payments p
		JOIN booking.bookings b ON b.id = p.booking_id
		WHERE p.status = 'CAPTURED' AND p.payout_id IS NULL
			AND b.status = 'COMPLETED' AND b.provider_payout > 0
		ORDER BY b.completed_at, p.id
		LIMIT $1
	`
	rows, err := r.q.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("find payout candidates: %w", err)
	}
	defer rows.Close()

	var out []PayoutCandidate
	for rows.Next() {
		var c PayoutCandidate
		if err := rows.Scan(&c.PaymentID, &c.BookingID, &c.ProviderID, &c.Amount, &c.Currency); err != nil {
			return nil, fmt.Errorf("scan payout candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanPayment(row rowScanner) (*booking.Payment, error) {
	var (
		p          booking.Payment
		status     string
		refundID   sql.NullString
		payoutID   sql.NullString
		refundedAt sql.NullTime
		payoutAt   sql.NullTime
		capturedAt sql.NullTime
	)
	if err := row.Scan(
		&p.ID, &p.BookingID, &p.GatewayOrderID, &p.GatewayPaymentID, &p.GatewaySignature,
		&p.Amount, &p.PlatformFee, &p.Currency, &status, &refundID, &p.RefundAmount, &refundedAt,
		&payoutID, &p.PayoutAmount, &payoutAt, &capturedAt, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.Status = booking.PaymentStatus(status)
	p.RefundID = refundID.String
	p.PayoutID = payoutID.String
	p.RefundedAt = timePtr(refundedAt)
	p.PayoutAt = timePtr(payoutAt)
	p.CapturedAt = timePtr(capturedAt)
	return &p, nil
}
