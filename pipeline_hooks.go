package settle

import (
	"fmt"

	"github.com/x402-foundation/x402/settle/types"
)

// ============================================================================
// Pipeline Hook Function Types
// ============================================================================

// SettledHook is called after a settlement is confirmed. It runs on its own
// goroutine and cannot affect the outcome.
type SettledHook func(types.AuditEvent)

// FailedHook is called after a settlement fails at any stage. It runs on its
// own goroutine and cannot affect the outcome.
type FailedHook func(types.AuditEvent)

// OnSettled registers a hook for confirmed settlements.
func (p *Pipeline) OnSettled(hook SettledHook) *Pipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settledHooks = append(p.settledHooks, hook)
	return p
}

// OnFailed registers a hook for failed settlements.
func (p *Pipeline) OnFailed(hook FailedHook) *Pipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failedHooks = append(p.failedHooks, hook)
	return p
}

// OnOutcome registers the same hook for both terminal states.
func (p *Pipeline) OnOutcome(hook func(types.AuditEvent)) *Pipeline {
	return p.OnSettled(hook).OnFailed(hook)
}

// emit hands event to each registered hook without waiting for any of them.
func (p *Pipeline) emit(event types.AuditEvent) {
	p.mu.RLock()
	var hooks []func(types.AuditEvent)
	if event.Outcome.Confirmed() {
		for _, h := range p.settledHooks {
			hooks = append(hooks, h)
		}
	} else {
		for _, h := range p.failedHooks {
			hooks = append(hooks, h)
		}
	}
	p.mu.RUnlock()

	for _, hook := range hooks {
		go func(hook func(types.AuditEvent)) {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error().
						Str("export_id", event.ExportID).
						Str("panic", fmt.Sprint(r)).
						Msg("audit hook panicked")
				}
			}()
			hook(event)
		}(hook)
	}
}
