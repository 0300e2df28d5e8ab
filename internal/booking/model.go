package booking

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DefaultCurrency 默认币种，金额均为最小单位（paise）
const DefaultCurrency = "INR"

// Booking 预订聚合
type Booking struct {
	ID                  uuid.UUID       `json:"id"`
	BookingNumber       string          `json:"booking_number"`
	CustomerID          uuid.UUID       `json:"customer_id"`
	ProviderID          uuid.UUID       `json:"provider_id"`
	ServiceTypeID       uuid.UUID       `json:"service_type_id"`
	SlotID              *uuid.UUID      `json:"slot_id,omitempty"`
	ScheduledAt         time.Time       `json:"scheduled_at"`
	DurationHours       float64         `json:"duration_hours"`
	Status              Status          `json:"status"`
	BaseAmount          int64           `json:"base_amount"`
	PlatformFee         int64           `json:"platform_fee"`
	TotalAmount         int64           `json:"total_amount"`
	ProviderPayout      int64           `json:"provider_payout"`
	Currency            string          `json:"currency"`
	AcceptDeadline      time.Time       `json:"accept_deadline"`
	CancellationReason  string          `json:"cancellation_reason,omitempty"`
	DeclineReason       string          `json:"decline_reason,omitempty"`
	CancelledBy         Role            `json:"cancelled_by,omitempty"`
	Address             json.RawMessage `json:"address,omitempty"`
	SpecialRequirements string          `json:"special_requirements,omitempty"`
	ConfirmedAt         *time.Time      `json:"confirmed_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
	CancelledAt         *time.Time      `json:"cancelled_at,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// DeadlinePassed 当前时间是否已超过接单截止时间
func (b *Booking) DeadlinePassed(now time.Time) bool {
	return now.After(b.AcceptDeadline)
}

// PaymentStatus 支付状态
type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "PENDING"
	PaymentCaptured          PaymentStatus = "CAPTURED"
	PaymentFailed            PaymentStatus = "FAILED"
	PaymentRefunded          PaymentStatus = "REFUNDED"
	PaymentPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
)

// Payment 与 Booking 一对一
type Payment struct {
	ID               uuid.UUID     `json:"id"`
	BookingID        uuid.UUID     `json:"booking_id"`
	GatewayOrderID   string        `json:"gateway_order_id,omitempty"`
	GatewayPaymentID string        `json:"gateway_payment_id,omitempty"`
	GatewaySignature string        `json:"-"`
	Amount           int64         `json:"amount"`
	PlatformFee      int64         `json:"platform_fee"`
	Currency         string        `json:"currency"`
	Status           PaymentStatus `json:"status"`
	RefundID         string        `json:"refund_id,omitempty"`
	RefundAmount     int64         `json:"refund_amount"`
	RefundedAt       *time.Time    `json:"refunded_at,omitempty"`
	PayoutID         string        `json:"payout_id,omitempty"`
	PayoutAmount     int64         `json:"payout_amount"`
	PayoutAt         *time.Time    `json:"payout_at,omitempty"`
	CapturedAt       *time.Time    `json:"captured_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Captured 是否已扣款（含已部分退款）
func (p *Payment) Captured() bool {
	if p == nil {
		return false
	}
	switch p.Status {
	case PaymentCaptured, PaymentPartiallyRefunded:
		return true
	}
	return false
}

// AuditEntry 审计日志，仅追加
type AuditEntry struct {
	ID         int64                  `json:"id"`
	BookingID  uuid.UUID              `json:"booking_id"`
	FromStatus *Status                `json:"from_status"`
	ToStatus   Status                 `json:"to_status"`
	Action     Action                 `json:"action"`
	ActorID    *uuid.UUID             `json:"actor_id"`
	ActorRole  Role                   `json:"actor_role"`
	Reason     string                 `json:"reason,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Role 调用方角色
type Role string

const (
	RoleCustomer Role = "customer"
	RoleProvider Role = "provider"
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system"
)

// Actor 发起操作的主体；Provider 角色额外携带服务者档案 ID
type Actor struct {
	ID         uuid.UUID
	Role       Role
	ProviderID uuid.UUID
}

// System 定时任务、回调等系统发起的操作
func System() Actor {
	return Actor{Role: RoleSystem}
}

// AuditID 系统操作不记录 actor id
func (a Actor) AuditID() *uuid.UUID {
	if a.Role == RoleSystem || a.ID == uuid.Nil {
		return nil
	}
	id := a.ID
	return &id
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// Owns 客户本人
func (a Actor) Owns(b *Booking) bool {
	return a.Role == RoleCustomer && a.ID == b.CustomerID
}

// Assigned 被指派的服务者
func (a Actor) Assigned(b *Booking) bool {
	return a.Role == RoleProvider && a.ProviderID != uuid.Nil && a.ProviderID == b.ProviderID
}

// CanView 客户本人、指派服务者、管理员可查看
func (a Actor) CanView(b *Booking) bool {
	return a.IsAdmin() || a.Owns(b) || a.Assigned(b) || a.Role == RoleSystem
}
