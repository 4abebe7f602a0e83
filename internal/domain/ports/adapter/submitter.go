package adapter

import "context"

// TaskSubmitter queues best-effort background work. Submit must not block.
type TaskSubmitter interface {
	Submit(task func(ctx context.Context) error) error
}
