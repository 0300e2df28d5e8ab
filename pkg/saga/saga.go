// Package saga 顺序执行步骤，失败时按逆序补偿已完成的步骤
package saga

import (
	"context"
	"errors"
	"sync"
	"time"
)

// SagaState represents the lifecycle state of a saga transaction.
type SagaState string

const (
	SagaRunning      SagaState = "RUNNING"
	SagaCompleted    SagaState = "COMPLETED"
	SagaCompensating SagaState = "COMPENSATING"
	SagaFailed       SagaState = "FAILED"
)

// Step is a saga unit of work with a compensating action.
type Step interface {
	Name() string
	Execute(ctx context.Context) error
	Compensate(ctx context.Context) error
}

// StepFunc 用函数组装 Step；Undo 为空表示无需补偿
type StepFunc struct {
	StepName string
	Do       func(ctx context.Context) error
	Undo     func(ctx context.Context) error
}

func (s StepFunc) Name() string { return s.StepName }

func (s StepFunc) Execute(ctx context.Context) error { return s.Do(ctx) }

func (s StepFunc) Compensate(ctx context.Context) error {
	if s.Undo == nil {
		return nil
	}
	return s.Undo(ctx)
}

// SagaLog is the persisted record of a saga execution.
type SagaLog struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Reference   string    `json:"reference,omitempty"`
	State       SagaState `json:"state"`
	Steps       []string  `json:"steps"`
	CurrentStep int       `json:"currentStep"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// SagaStore persists saga logs for recovery and observability.
type SagaStore interface {
	Save(ctx context.Context, log *SagaLog) error
	Get(ctx context.Context, id string) (*SagaLog, error)
	Update(ctx context.Context, log *SagaLog) error
}

var ErrLogNotFound = errors.New("saga log not found")

// MemoryStore 进程内存储，测试和单机模式使用
type MemoryStore struct {
	mu   sync.Mutex
	logs map[string]SagaLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string]SagaLog)}
}

func (m *MemoryStore) Save(_ context.Context, log *SagaLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[log.ID] = copyLog(log)
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, log *SagaLog) error {
	return m.Save(ctx, log)
}

func (m *MemoryStore) Get(_ context.Context, id string) (*SagaLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok {
		return nil, ErrLogNotFound
	}
	out := copyLog(&l)
	return &out, nil
}

// Len 返回已记录的 saga 数量
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logs)
}

func copyLog(l *SagaLog) SagaLog {
	out := *l
	out.Steps = append([]string(nil), l.Steps...)
	return out
}
