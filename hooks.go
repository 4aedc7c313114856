package saga

import "context"

// LifecycleHook identifies the point in a saga's life a HookFunc is called at.
type LifecycleHook int

const (
	HookStarting LifecycleHook = iota
	HookCompleted
	HookCompensated
)

func (h LifecycleHook) String() string {
	switch h {
	case HookStarting:
		return "starting"
	case HookCompleted:
		return "completed"
	case HookCompensated:
		return "compensated"
	default:
		return "unknown"
	}
}

// HookInfo describes the saga a hook fires for.
type HookInfo struct {
	SagaID   string
	SagaName string
	Status   Status
	Err      error
}

// HookFunc is called synchronously by the orchestrator.
type HookFunc func(ctx context.Context, hook LifecycleHook, info HookInfo)
