package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogChannel writes events to the structured log.
type LogChannel struct {
	log *zap.Logger
}

func NewLogChannel(log *zap.Logger) *LogChannel {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogChannel{log: log.Named("escalation")}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Deliver(_ context.Context, evt Event, key string) (DeliveryResult, error) {
	msg := "work item escalated"
	if evt.Repeat {
		msg = "work item still escalated at max level"
	}
	c.log.Warn(msg,
		zap.String("key", key),
		zap.String("work_item_id", evt.WorkItemID),
		zap.String("kind", string(evt.Kind)),
		zap.String("severity", string(evt.Severity)),
		zap.Int("level", evt.Level),
		zap.String("owner", evt.Owner),
		zap.String("sla_status", string(evt.SLAStatus)),
		zap.Time("due_at", evt.DueAt))
	return DeliveryResult{Channel: c.Name()}, nil
}
