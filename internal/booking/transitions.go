package booking

// Transition 状态机的一条边；From 为空表示创建
type Transition struct {
	From   Status
	To     Status
	Action Action
}

// Transitions 完整的状态转移表，任何状态写入都必须命中其中一条
var Transitions = []Transition{
	{From: "", To: StatusSlotLocked, Action: ActionReserve},

	{From: StatusSlotLocked, To: StatusPaymentPending, Action: ActionPaymentInitiated},

	{From: StatusSlotLocked, To: StatusAwaitingProvider, Action: ActionPaymentCaptured},
	{From: StatusPaymentPending, To: StatusAwaitingProvider, Action: ActionPaymentCaptured},

	{From: StatusAwaitingProvider, To: StatusConfirmed, Action: ActionAccept},
	{From: StatusAwaitingProvider, To: StatusDeclined, Action: ActionDecline},
	{From: StatusConfirmed, To: StatusCompleted, Action: ActionComplete},

	{From: StatusSlotLocked, To: StatusCancelled, Action: ActionCancel},
	{From: StatusPaymentPending, To: StatusCancelled, Action: ActionCancel},
	{From: StatusAwaitingProvider, To: StatusCancelled, Action: ActionCancel},
	{From: StatusConfirmed, To: StatusCancelled, Action: ActionCancel},

	{From: StatusSlotLocked, To: StatusCancelled, Action: ActionExpire},
	{From: StatusPaymentPending, To: StatusCancelled, Action: ActionExpire},
	{From: StatusAwaitingProvider, To: StatusCancelled, Action: ActionExpire},

	{From: StatusSlotLocked, To: StatusCancelled, Action: ActionPaymentFailed},
	{From: StatusPaymentPending, To: StatusCancelled, Action: ActionPaymentFailed},
}

// CanTransition 判断 from → to 是否为合法边（不区分触发动作）
func CanTransition(from, to Status) bool {
	for _, t := range Transitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// Allowed 判断某动作能否从 from 触发
func Allowed(action Action, from Status) bool {
	_, ok := Target(action, from)
	return ok
}

// Target 返回动作从 from 出发的目标状态
func Target(action Action, from Status) (Status, bool) {
	for _, t := range Transitions {
		if t.Action == action && t.From == from {
			return t.To, true
		}
	}
	return "", false
}

// Sources 返回动作允许的源状态集合（CAS 的 expected 列表）
func Sources(action Action) []Status {
	var out []Status
	for _, t := range Transitions {
		if t.Action == action && t.From != "" {
			out = append(out, t.From)
		}
	}
	return out
}
