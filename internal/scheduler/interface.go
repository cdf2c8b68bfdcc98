package scheduler

import (
	"context"
	"time"

	"github.com/mattjoyce/switchyard/internal/trigger"
)

//go:generate mockgen -destination=mocks/mock_scheduler.go -package=mocks github.com/mattjoyce/switchyard/internal/scheduler Submitter,Pruner

// Submitter accepts scheduled triggers for background processing.
type Submitter interface {
	Submit(ctx context.Context, trig trigger.Context) (string, error)
}

// Pruner trims the orchestration log.
type Pruner interface {
	Prune(ctx context.Context, maxAge time.Duration) (int64, error)
}

// Publisher receives scheduler events.
type Publisher interface {
	Publish(eventType string, data any)
}
