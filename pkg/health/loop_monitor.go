package health

import (
	"sync"
	"time"
)

// LoopMonitor 记录后台循环（outbox 派发）每一轮的结果
type LoopMonitor struct {
	mu        sync.Mutex
	lastRound time.Time
	failures  int
	processed int64
	lastErr   string
}

// LoopStatus 某一时刻的循环状态；Failures 为连续失败轮数
type LoopStatus struct {
	LastRound time.Time
	Failures  int
	Processed int64
	LastError string
}

// Record 记录一轮：成功时清零连续失败并累计处理条数
func (m *LoopMonitor) Record(processed int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastRound = time.Now()
	if err != nil {
		m.failures++
		m.lastErr = err.Error()
		return
	}
	m.failures = 0
	m.lastErr = ""
	m.processed += int64(processed)
}

func (m *LoopMonitor) Status() LoopStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return LoopStatus{LastRound: m.lastRound, Failures: m.failures, Processed: m.processed, LastError: m.lastErr}
}
