// Package booking 预订领域模型：状态机、审计重放、定价、订单号、退款策略。
// 纯函数与值类型，不依赖存储与网络。
package booking

import (
	"fmt"
	"strings"
)

// Status 预订状态
type Status string

const (
	StatusDraft            Status = "DRAFT"
	StatusSlotLocked       Status = "SLOT_LOCKED"
	StatusPaymentPending   Status = "PAYMENT_PENDING"
	StatusAwaitingProvider Status = "AWAITING_PROVIDER"
	StatusConfirmed        Status = "CONFIRMED"
	StatusInProgress       Status = "IN_PROGRESS"
	StatusCompleted        Status = "COMPLETED"
	StatusCancelled        Status = "CANCELLED"
	StatusDeclined         Status = "DECLINED"
)

var allStatuses = []Status{
	StatusDraft, StatusSlotLocked, StatusPaymentPending, StatusAwaitingProvider,
	StatusConfirmed, StatusInProgress, StatusCompleted, StatusCancelled, StatusDeclined,
}

// ParseStatus 解析状态字符串（大小写不敏感）
func ParseStatus(s string) (Status, error) {
	up := Status(strings.ToUpper(strings.TrimSpace(s)))
	for _, st := range allStatuses {
		if st == up {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown booking status %q", s)
}

// IsTerminal 终态不再有出边
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusDeclined:
		return true
	}
	return false
}

// HoldsSlot 该状态下 slot lock 仍可能被持有
func (s Status) HoldsSlot() bool {
	switch s {
	case StatusSlotLocked, StatusPaymentPending, StatusAwaitingProvider:
		return true
	}
	return false
}

// Paid 支付已确认（AWAITING_PROVIDER 及之后的非取消状态）
func (s Status) Paid() bool {
	switch s {
	case StatusAwaitingProvider, StatusConfirmed, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }

// Action 审计动作
type Action string

const (
	ActionReserve          Action = "RESERVE"
	ActionPaymentInitiated Action = "PAYMENT_INITIATED"
	ActionPaymentCaptured  Action = "PAYMENT_CAPTURED"
	ActionPaymentFailed    Action = "PAYMENT_FAILED"
	ActionAccept           Action = "ACCEPT"
	ActionDecline          Action = "DECLINE"
	ActionComplete         Action = "COMPLETE"
	ActionCancel           Action = "CANCEL"
	ActionExpire           Action = "EXPIRE"
)

// ParseAction 解析审计动作
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToUpper(strings.TrimSpace(s)))
	for _, t := range Transitions {
		if t.Action == a {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown audit action %q", s)
}
