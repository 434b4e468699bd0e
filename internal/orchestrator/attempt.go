package orchestrator

import (
	"context"
	"log/slog"
)

// Best-effort step names recorded on ProvisionResult.Skipped.
const (
	StepNotifyStarted = "notify_started"
	StepSetPassword   = "set_password"
	StepReadStatus    = "read_status"
	StepNotifyReady   = "notify_ready"
	StepNotifyDelayed = "notify_delayed"
	StepNotifyFailed  = "notify_failed"
)

// Outcome is the captured result of a best-effort step.
type Outcome struct {
	Step string `json:"step"`
	Err  error  `json:"-"`
}

func (o Outcome) OK() bool { return o.Err == nil }

// attempt runs fn and captures its result without propagating it. Failed
// steps are logged and appended to skipped when it is non-nil.
func attempt(ctx context.Context, logger *slog.Logger, skipped *[]Outcome, step string, fn func(context.Context) error) Outcome {
	out := Outcome{Step: step, Err: fn(ctx)}
	if out.Err != nil {
		logger.Warn("best-effort step failed", "step", step, "error", out.Err)
		if skipped != nil {
			*skipped = append(*skipped, out)
		}
	}
	return out
}
