package closure

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const sweepBatchSize = 50

// Sweeper periodically resumes closures whose next_action_time has passed
// and that no live runner is driving. It is the durable-timer fallback:
// in-task suspensions survive a process restart because this loop reads
// the persisted checkpoints and picks up where the dead runner stopped.
type Sweeper struct {
	orch      *Orchestrator
	processor *Processor
	interval  time.Duration
	log       *zap.Logger
}

func NewSweeper(orch *Orchestrator, processor *Processor, interval time.Duration, log *zap.Logger) *Sweeper {
	return &Sweeper{orch: orch, processor: processor, interval: interval, log: log}
}

func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

func (s *Sweeper) sweep(ctx context.Context) {
	due, err := s.orch.processes.Due(ctx, time.Now().UTC(), sweepBatchSize)
	if err != nil {
		s.log.Error("sweep: list due closures", zap.Error(err))
		return
	}
	for _, proc := range due {
		if ctx.Err() != nil {
			return
		}
		if s.processor != nil && s.processor.Running(proc.AccountID) {
			continue
		}
		res, err := s.orch.Resume(ctx, proc.AccountID)
		if err != nil {
			s.log.Warn("sweep: resume failed",
				zap.String("account_id", proc.AccountID),
				zap.Error(err))
			continue
		}
		s.log.Info("sweep: resumed closure",
			zap.String("account_id", proc.AccountID),
			zap.String("phase", string(res.Phase)),
			zap.String("action", string(res.Action)),
			zap.Bool("success", res.Success))
	}
}
