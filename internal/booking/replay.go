package booking

import "fmt"

// Replay 从空状态依次应用审计记录，返回最终状态。
// 任一条记录的 from 与当前状态不符或不是合法边都视为审计链损坏。
func Replay(entries []AuditEntry) (Status, error) {
	var current Status
	for i, e := range entries {
		var from Status
		if e.FromStatus != nil {
			from = *e.FromStatus
		}
		if from != current {
			return current, fmt.Errorf("audit entry %d: from %q does not follow %q", i, from, current)
		}
		if !CanTransition(from, e.ToStatus) {
			return current, fmt.Errorf("audit entry %d: illegal transition %q -> %q", i, from, e.ToStatus)
		}
		current = e.ToStatus
	}
	return current, nil
}

// Consistent 审计链重放结果是否等于当前状态
func Consistent(b *Booking, entries []AuditEntry) bool {
	st, err := Replay(entries)
	return err == nil && st == b.Status
}
