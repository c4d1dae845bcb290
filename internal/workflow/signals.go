package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	appErr "github.com/idp-studio/engine/pkg/errors"
	"github.com/idp-studio/engine/pkg/logger"
)

// Signal is an externally delivered message for a running workflow execution.
type Signal struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SignalSource is the workflow-side view: block for the next signal or until
// the wait window closes.
type SignalSource interface {
	Next(ctx context.Context, workflowID string, wait time.Duration) (*Signal, error)
}

// SignalPublisher is the caller-side view.
type SignalPublisher interface {
	Publish(ctx context.Context, workflowID string, sig Signal) error
}

const (
	signalListPrefix = "wf:signals:"
	signalWakePrefix = "wf:wake:"
	signalListTTL    = 10 * time.Minute
)

// RedisSignalHub delivers signals through a per-identity Redis list with a
// pub/sub wakeup. The list makes delivery durable across the gap between the
// caller publishing and the workflow reaching its wait; pub/sub just avoids
// polling.
type RedisSignalHub struct {
	rdb *redis.Client
}

func NewRedisSignalHub(rdb *redis.Client) *RedisSignalHub {
	return &RedisSignalHub{rdb: rdb}
}

var _ SignalSource = (*RedisSignalHub)(nil)
var _ SignalPublisher = (*RedisSignalHub)(nil)

func (h *RedisSignalHub) Publish(ctx context.Context, workflowID string, sig Signal) error {
	raw, err := json.Marshal(sig)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInvalid, "marshal signal failed")
	}
	pipe := h.rdb.TxPipeline()
	pipe.RPush(ctx, signalListPrefix+workflowID, raw)
	pipe.Expire(ctx, signalListPrefix+workflowID, signalListTTL)
	pipe.Publish(ctx, signalWakePrefix+workflowID, "1")
	if _, err := pipe.Exec(ctx); err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "publish signal failed")
	}
	return nil
}

// Next pops the oldest buffered signal, blocking up to wait for one to
// arrive. Returns (nil, nil) when the window closes without a signal.
func (h *RedisSignalHub) Next(ctx context.Context, workflowID string, wait time.Duration) (*Signal, error) {
	if sig, err := h.pop(ctx, workflowID); err != nil || sig != nil {
		return sig, err
	}
	if wait <= 0 {
		return nil, nil
	}

	sub := h.rdb.Subscribe(ctx, signalWakePrefix+workflowID)
	defer sub.Close()

	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		// Re-check the list after subscribing: a publish may have landed in
		// between.
		if sig, err := h.pop(ctx, workflowID); err != nil || sig != nil {
			return sig, err
		}
		select {
		case <-ctx.Done():
			return nil, appErr.Wrap(ctx.Err(), appErr.CodeDeadline, "signal wait interrupted")
		case <-deadline.C:
			return nil, nil
		case <-sub.Channel():
		}
	}
}

func (h *RedisSignalHub) pop(ctx context.Context, workflowID string) (*Signal, error) {
	raw, err := h.rdb.LPop(ctx, signalListPrefix+workflowID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "read signal buffer failed")
	}
	var sig Signal
	if err := json.Unmarshal(raw, &sig); err != nil {
		logger.L().Warn("dropping malformed signal", zap.String("workflow_id", workflowID), zap.Error(err))
		return nil, nil
	}
	return &sig, nil
}
