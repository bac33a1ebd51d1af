package kafka

import (
	"context"

	"github.com/weiawesome/wes-collab/internal/domain"
)

// ActivityProducer publishes collaboration activity metadata.
type ActivityProducer interface {
	ProduceActivity(ctx context.Context, ev *domain.ActivityEvent) error
	Close() error
}

// NopProducer drops every event. Used when the activity stream is disabled.
type NopProducer struct{}

func (NopProducer) ProduceActivity(context.Context, *domain.ActivityEvent) error { return nil }

func (NopProducer) Close() error { return nil }
