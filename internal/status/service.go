// Package status applies provider delivery reports to message logs and channel health.
package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/jmehdipour/cart-recovery/internal/model"
	"github.com/jmehdipour/cart-recovery/internal/repository"
)

var (
	ErrInvalidReport  = errors.New("status: invalid report")
	ErrUnknownMessage = errors.New("status: unknown external message id")
)

// Health is the part of the health store delivery reports feed.
type Health interface {
	RecordDelivery(ctx context.Context, key model.ChannelKey, st model.MessageStatus, now time.Time) error
	RecordFailure(ctx context.Context, key model.ChannelKey, now time.Time) error
	RecordBlock(ctx context.Context, key model.ChannelKey) error
	RecordResponse(ctx context.Context, key model.ChannelKey) error
	Recompute(ctx context.Context, key model.ChannelKey, now time.Time) (*model.HealthMetric, error)
}

type Service struct {
	logs     repository.MessageLogsRepository
	health   Health
	validate *validator.Validate
	now      func() time.Time
	log      *zap.Logger
}

func New(logs repository.MessageLogsRepository, health Health, log *zap.Logger) *Service {
	return &Service{
		logs:     logs,
		health:   health,
		validate: validator.New(),
		now:      time.Now,
		log:      log,
	}
}

// WithClock replaces the clock used when a report carries no timestamp.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Result reports whether the log row changed.
type Result struct {
	LogID   string
	Status  model.MessageStatus
	Applied bool
}

// Apply matches the report by external message id and moves the log forward. Reports that
// would move a log backwards are ignored; blocks and replies only feed channel health.
func (s *Service) Apply(ctx context.Context, f model.DeliveryStatusFact) (Result, error) {
	if err := s.validate.StructCtx(ctx, f); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}

	msg, err := s.logs.GetByExternalID(ctx, f.ExternalMessageID)
	if err != nil {
		return Result{}, fmt.Errorf("load log: %w", err)
	}
	if msg == nil {
		return Result{}, ErrUnknownMessage
	}

	at := f.At
	if at.IsZero() {
		at = s.now()
	}
	key := msg.ChannelKey()
	res := Result{LogID: msg.ID, Status: msg.Status}

	switch f.Event {
	case model.EventBlocked:
		if err := s.health.RecordBlock(ctx, key); err != nil {
			return res, fmt.Errorf("record block: %w", err)
		}
		s.recompute(ctx, key, at)
		return res, nil
	case model.EventReplied:
		if err := s.health.RecordResponse(ctx, key); err != nil {
			return res, fmt.Errorf("record response: %w", err)
		}
		return res, nil
	}

	to := model.MessageStatus(f.Event)
	if !msg.Status.Advances(to) {
		s.log.Debug("stale delivery report",
			zap.String("log_id", msg.ID),
			zap.String("current", msg.Status.String()),
			zap.String("reported", to.String()))
		return res, nil
	}

	var patch repository.LogPatch
	switch to {
	case model.StatusSent:
		patch.SentAt = &at
	case model.StatusDelivered:
		patch.DeliveredAt = &at
	case model.StatusRead:
		patch.ReadAt = &at
		if msg.DeliveredAt == nil {
			patch.DeliveredAt = &at
		}
	case model.StatusFailed:
		reason := f.Error
		if reason == "" {
			reason = "provider reported failure"
		}
		patch.Error = &reason
	}

	ok, err := s.logs.Transition(ctx, msg.ID, []model.MessageStatus{msg.Status}, to, patch)
	if err != nil {
		return res, fmt.Errorf("transition log: %w", err)
	}
	if !ok {
		// a concurrent report moved it first
		return res, nil
	}
	res.Status, res.Applied = to, true

	switch to {
	case model.StatusDelivered:
		err = s.health.RecordDelivery(ctx, key, model.StatusDelivered, at)
	case model.StatusRead:
		if msg.Status != model.StatusDelivered {
			if err = s.health.RecordDelivery(ctx, key, model.StatusDelivered, at); err != nil {
				break
			}
		}
		err = s.health.RecordDelivery(ctx, key, model.StatusRead, at)
	case model.StatusFailed:
		err = s.health.RecordFailure(ctx, key, at)
	}
	if err != nil {
		return res, fmt.Errorf("record health: %w", err)
	}
	if to != model.StatusSent {
		s.recompute(ctx, key, at)
	}

	return res, nil
}

func (s *Service) recompute(ctx context.Context, key model.ChannelKey, now time.Time) {
	if _, err := s.health.Recompute(ctx, key, now); err != nil {
		s.log.Warn("recompute health", zap.String("channel", key.String()), zap.Error(err))
	}
}
