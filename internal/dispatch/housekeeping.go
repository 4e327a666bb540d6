package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/jmehdipour/cart-recovery/internal/config"
	"github.com/jmehdipour/cart-recovery/internal/jobs"
	"github.com/jmehdipour/cart-recovery/internal/model"
	"github.com/jmehdipour/cart-recovery/internal/repository"
)

const (
	TaskExpireCarts = "expire-carts"
	TaskResetQuota  = "reset-quota"
)

// expireBatch bounds one expire-carts run; the next tick picks up the rest.
const expireBatch = 500

// Lifecycle is the cart side of the recovery check and the expiry sweep.
type Lifecycle interface {
	CheckRecovered(ctx context.Context, job model.CheckJob) error
	ExpireStale(ctx context.Context, limit int) (int, error)
}

// Housekeeper runs check-recovered and maintenance jobs.
type Housekeeper struct {
	carts   Lifecycle
	tenants repository.TenantsRepository
	log     *zap.Logger
}

func NewHousekeeper(carts Lifecycle, tenants repository.TenantsRepository, log *zap.Logger) *Housekeeper {
	return &Housekeeper{carts: carts, tenants: tenants, log: log}
}

func (h *Housekeeper) HandleCheck(ctx context.Context, job jobs.Job) jobs.Outcome {
	var cj model.CheckJob
	if err := json.Unmarshal(job.Payload, &cj); err != nil || cj.CartID == "" {
		return jobs.Terminal(ReasonMalformedJob)
	}
	if err := h.carts.CheckRecovered(ctx, cj); err != nil {
		return jobs.Retry(err)
	}
	return jobs.Done()
}

func (h *Housekeeper) HandleMaintenance(ctx context.Context, job jobs.Job) jobs.Outcome {
	var mj model.MaintenanceJob
	if err := json.Unmarshal(job.Payload, &mj); err != nil {
		return jobs.Terminal(ReasonMalformedJob)
	}

	switch mj.Task {
	case TaskExpireCarts:
		n, err := h.carts.ExpireStale(ctx, expireBatch)
		if err != nil {
			return jobs.Retry(err)
		}
		h.log.Info("expired stale carts", zap.Int("count", n))
	case TaskResetQuota:
		n, err := h.tenants.ResetUsage(ctx)
		if err != nil {
			return jobs.Retry(fmt.Errorf("reset usage: %w", err))
		}
		h.log.Info("reset tenant quotas", zap.Int64("tenants", n))
	default:
		return jobs.Terminal("unknown maintenance task " + mj.Task)
	}
	return jobs.Done()
}

// Register binds every queue's handler with its configured concurrency.
func Register(c jobs.Consumer, w *Worker, h *Housekeeper, concurrency map[string]int) {
	conc := func(q string, def int) int {
		if n := concurrency[q]; n > 0 {
			return n
		}
		return def
	}
	c.Handle(jobs.QueueSendMessage, conc(jobs.QueueSendMessage, 2), w.HandleSend)
	c.Handle(jobs.QueueSendOfficial, conc(jobs.QueueSendOfficial, 2), w.HandleOfficialSend)
	c.Handle(jobs.QueueCheckRecovered, conc(jobs.QueueCheckRecovered, 10), h.HandleCheck)
	c.Handle(jobs.QueueMaintenance, conc(jobs.QueueMaintenance, 1), h.HandleMaintenance)
}

// ScheduleMaintenance registers the recurring maintenance tasks.
func ScheduleMaintenance(ctx context.Context, s jobs.Scheduler, cfg config.MaintenanceConfig) error {
	tasks := []struct {
		task string
		spec string
	}{
		{TaskExpireCarts, cfg.ExpireCartsCron},
		{TaskResetQuota, cfg.ResetQuotaCron},
	}
	for _, t := range tasks {
		if t.spec == "" {
			continue
		}
		payload, err := json.Marshal(model.MaintenanceJob{Task: t.task})
		if err != nil {
			return err
		}
		if err := s.EnqueueRecurring(ctx, jobs.QueueMaintenance, payload, t.spec, t.task); err != nil {
			return fmt.Errorf("schedule %s: %w", t.task, err)
		}
	}
	return nil
}
