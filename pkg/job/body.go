package job

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jdziat/simple-durable-pipelines/pkg/core"
)

// Body is the work a job performs. It reports progress through m and
// returns a JSON-encodable result or a classified error. Bodies never change
// the job's status themselves.
type Body func(ctx context.Context, m *Manager, inv core.Invocation) (any, error)

// Typed adapts a body that takes its decoded payload. A payload that cannot
// be decoded into T is a validation failure and is not retried.
func Typed[T any, R any](fn func(ctx context.Context, m *Manager, args T) (R, error)) Body {
	return func(ctx context.Context, m *Manager, inv core.Invocation) (any, error) {
		var args T
		if len(inv.Payload) > 0 && string(inv.Payload) != "null" {
			if err := json.Unmarshal(inv.Payload, &args); err != nil {
				return nil, core.Validation(fmt.Errorf("decode %s payload: %w", inv.JobType, err))
			}
		}
		return fn(ctx, m, args)
	}
}

// Func adapts a body that needs neither the payload nor a result.
func Func(fn func(ctx context.Context, m *Manager) error) Body {
	return func(ctx context.Context, m *Manager, _ core.Invocation) (any, error) {
		return nil, fn(ctx, m)
	}
}
