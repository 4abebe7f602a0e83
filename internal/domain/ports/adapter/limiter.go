package adapter

import "context"

// Limiter answers whether one more request under key fits its budget.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}
