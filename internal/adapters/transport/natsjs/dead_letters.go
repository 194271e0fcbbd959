package natsjs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mikey/lead-router/internal/core"
	"go.uber.org/zap"
)

// deadLetter is the JSON body published for a dead-lettered item
type deadLetter struct {
	ID          string            `json:"id"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Data        []byte            `json:"data"`
	Cause       string            `json:"cause"`
	PublishTime time.Time         `json:"publish_time,omitempty"`
	RecordedAt  time.Time         `json:"recorded_at"`
}

type publisher interface {
	Publish(ctx context.Context, subject string, data []byte, msgID string) error
}

// DeadLetterPublisher implements core.DeadLetterSink by publishing to a
// JetStream subject
type DeadLetterPublisher struct {
	pub     publisher
	subject string
	logger  *zap.Logger
	now     func() time.Time
}

// NewDeadLetterPublisher publishes dead letters to subject through t
func NewDeadLetterPublisher(t *Transport, subject string, logger *zap.Logger) *DeadLetterPublisher {
	return &DeadLetterPublisher{pub: t, subject: subject, logger: logger, now: time.Now}
}

// Record publishes raw with its cause. Failures are logged.
func (p *DeadLetterPublisher) Record(ctx context.Context, raw core.RawEvent, cause error) {
	body, err := json.Marshal(deadLetter{
		ID:          raw.ID,
		Attributes:  raw.Attributes,
		Data:        raw.Data,
		Cause:       cause.Error(),
		PublishTime: raw.PublishTime,
		RecordedAt:  p.now(),
	})
	if err != nil {
		p.logger.Error("Failed to encode dead letter", zap.String("id", raw.ID), zap.Error(err))
		return
	}

	msgID := ""
	if raw.ID != "" {
		msgID = "dlq-" + raw.ID
	}
	if err := p.pub.Publish(ctx, p.subject, body, msgID); err != nil {
		p.logger.Error("Failed to publish dead letter",
			zap.String("id", raw.ID),
			zap.String("subject", p.subject),
			zap.Error(err))
	}
}
