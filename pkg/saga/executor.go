package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Executor struct {
	store SagaStore
	now   func() time.Time
}

func NewExecutor(store SagaStore) *Executor {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Executor{store: store, now: time.Now}
}

// Run 执行 saga，失败时自动补偿。返回值为首个步骤错误（保留原始错误链）。
func (e *Executor) Run(ctx context.Context, name, reference string, steps []Step) error {
	now := e.now()
	log := &SagaLog{
		ID:        uuid.NewString(),
		Name:      name,
		Reference: reference,
		State:     SagaRunning,
		Steps:     make([]string, len(steps)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, s := range steps {
		log.Steps[i] = s.Name()
	}
	if err := e.store.Save(ctx, log); err != nil {
		return fmt.Errorf("save saga log: %w", err)
	}

	for i, step := range steps {
		log.CurrentStep = i
		log.UpdatedAt = e.now()
		// 日志写失败不阻断业务
		_ = e.store.Update(ctx, log)

		if err := step.Execute(ctx); err != nil {
			return e.compensate(ctx, log, steps[:i], err)
		}
	}

	log.State = SagaCompleted
	log.CurrentStep = len(steps)
	log.Error = ""
	log.UpdatedAt = e.now()
	_ = e.store.Update(ctx, log)
	return nil
}

func (e *Executor) compensate(ctx context.Context, log *SagaLog, done []Step, cause error) error {
	log.Error = cause.Error()
	log.State = SagaCompensating
	log.UpdatedAt = e.now()
	_ = e.store.Update(ctx, log)

	// 补偿不受调用方取消影响
	compCtx := context.WithoutCancel(ctx)
	var compErr error
	for j := len(done) - 1; j >= 0; j-- {
		if err := done[j].Compensate(compCtx); err != nil && compErr == nil {
			compErr = fmt.Errorf("compensate %s: %w", done[j].Name(), err)
		}
	}

	log.State = SagaFailed
	log.UpdatedAt = e.now()
	if compErr != nil {
		log.Error = fmt.Sprintf("%s; %v", log.Error, compErr)
	}
	_ = e.store.Update(ctx, log)

	if compErr != nil {
		return fmt.Errorf("%w (%v)", cause, compErr)
	}
	return cause
}
