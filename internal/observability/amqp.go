package observability

import (
	"context"
	"sync"
	"time"
)

// Publisher is the subset of the AMQP publisher used for lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

const lifecyclePublishTimeout = 2 * time.Second

var lifecycle struct {
	mu        sync.RWMutex
	publisher Publisher
}

// SetPublisher installs the publisher session lifecycle events go to. A nil
// publisher disables them.
func SetPublisher(publisher Publisher) {
	lifecycle.mu.Lock()
	defer lifecycle.mu.Unlock()
	lifecycle.publisher = publisher
}

func currentPublisher() Publisher {
	lifecycle.mu.RLock()
	defer lifecycle.mu.RUnlock()
	return lifecycle.publisher
}

// publishLifecycle is detached from the caller's cancellation: disconnect
// events are published after the session context is gone.
func publishLifecycle(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	publisher := currentPublisher()
	if publisher == nil {
		return nil
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lifecyclePublishTimeout)
	defer cancel()

	if err := publisher.Publish(pubCtx, routingKey, event, headers); err != nil {
		IncAMQPPublishError()
		return err
	}
	return nil
}
