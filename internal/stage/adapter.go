package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/stormguard/stormguard/internal/audit"
	"github.com/stormguard/stormguard/internal/budget"
	"github.com/stormguard/stormguard/internal/model"
	"github.com/stormguard/stormguard/internal/policy"
	"github.com/stormguard/stormguard/internal/reason"
)

var backoffBase = 500 * time.Millisecond

// Adapter executes stages against a reasoner with bounded retries. Each
// attempt gets its own deadline; only transient failures are retried, and
// every attempt leaves an audit entry.
type Adapter struct {
	reasoner reason.Reasoner
	log      *audit.Log
	tracker  *budget.Tracker
	logger   *zap.Logger
}

// NewAdapter wires a stage executor.
func NewAdapter(r reason.Reasoner, log *audit.Log, tracker *budget.Tracker, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{reasoner: r, log: log, tracker: tracker, logger: logger}
}

// Execute runs one stage for the given run and returns its result. A result
// with a non-empty Error field means the stage failed permanently; the
// caller decides what that does to the run.
func (a *Adapter) Execute(ctx context.Context, run *model.PipelineRun, st model.Stage, cfg *policy.Config) model.StageResult {
	res := model.StageResult{
		Stage:     st,
		StartedAt: time.Now().UTC(),
	}

	a.append(audit.Entry{
		RunID: run.ID,
		Actor: string(st),
		Kind:  audit.KindStageStarted,
		Stage: string(st),
	})

	req := reason.Request{
		Stage:    st,
		Event:    run.Event,
		Upstream: run.Upstream(),
	}
	res.Input = inputSnapshot(req)

	maxAttempts := cfg.Stages.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var decision *Decision
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt

		if check := a.tracker.Check(run.ID); check.Exceeded {
			lastErr = fmt.Errorf("%s", check.Reason)
			break
		}

		decision, lastErr = a.attempt(ctx, run.ID, st, req, attempt, cfg)
		if lastErr == nil {
			break
		}
		if !reason.IsTransient(lastErr) || attempt == maxAttempts {
			break
		}
		if err := sleepBackoff(ctx, attempt); err != nil {
			lastErr = err
			break
		}
	}

	res.FinishedAt = time.Now().UTC()

	if lastErr != nil {
		res.Error = lastErr.Error()
		a.logger.Warn("stage failed",
			zap.String("run_id", run.ID),
			zap.String("stage", string(st)),
			zap.Int("attempts", res.Attempts),
			zap.Error(lastErr))
		a.append(audit.Entry{
			RunID:  run.ID,
			Actor:  string(st),
			Kind:   audit.KindStageFailed,
			Stage:  string(st),
			Reason: res.Error,
			Details: audit.Details{
				Attempt: res.Attempts,
				Error:   res.Error,
			},
		})
		return res
	}

	res.Output = decision.Raw
	res.Confidence = decision.Confidence
	res.Reasoning = decision.KeyInsight
	res.Proposed = decision.Proposed

	entry := audit.Entry{
		RunID:  run.ID,
		Actor:  string(st),
		Kind:   audit.KindStageCompleted,
		Stage:  string(st),
		Reason: decision.KeyInsight,
		Details: audit.Details{
			Attempt:    res.Attempts,
			DurationMS: res.FinishedAt.Sub(res.StartedAt).Milliseconds(),
		},
	}
	if decision.Proposed != nil {
		entry.Details.FinancialImpact = decision.Proposed.FinancialImpact
		entry.Details.PercentChange = decision.Proposed.PercentChange
		entry.Details.VendorID = decision.Proposed.VendorID
	}
	a.append(entry)

	a.logger.Info("stage completed",
		zap.String("run_id", run.ID),
		zap.String("stage", string(st)),
		zap.Int("attempts", res.Attempts))
	return res
}

// attempt performs one reasoner call with the configured per-attempt
// timeout, charges the budget, and validates the decision.
func (a *Adapter) attempt(ctx context.Context, runID string, st model.Stage, req reason.Request, n int, cfg *policy.Config) (*Decision, error) {
	attemptCtx := ctx
	if cfg.Stages.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, cfg.Stages.Timeout)
		defer cancel()
	}

	start := time.Now()
	usage := a.tracker.Charge(runID)
	raw, err := a.reasoner.Infer(attemptCtx, req)

	detail := audit.Details{
		Attempt:    n,
		CostUSD:    usage.CostUSD,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		// An attempt deadline hit is retryable even when the backend
		// does not say so itself.
		if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = reason.Transient(fmt.Errorf("stage %s attempt %d timed out after %s", st, n, cfg.Stages.Timeout))
		}
		detail.Error = err.Error()
		a.append(audit.Entry{
			RunID:   runID,
			Actor:   string(st),
			Kind:    audit.KindStageAttempt,
			Stage:   string(st),
			Details: detail,
		})
		return nil, err
	}

	decision, perr := ParseDecision(st, raw)
	if perr != nil {
		detail.Error = perr.Error()
	}
	a.append(audit.Entry{
		RunID:   runID,
		Actor:   string(st),
		Kind:    audit.KindStageAttempt,
		Stage:   string(st),
		Details: detail,
	})
	if perr != nil {
		return nil, perr
	}
	return decision, nil
}

// inputSnapshot records what the stage was asked: the triggering event and
// every upstream output it reasoned over.
func inputSnapshot(req reason.Request) json.RawMessage {
	snap := struct {
		Event    model.Event                     `json:"event"`
		Upstream map[model.Stage]json.RawMessage `json:"upstream,omitempty"`
	}{Event: req.Event, Upstream: req.Upstream}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil
	}
	return data
}

func (a *Adapter) append(e audit.Entry) {
	if _, err := a.log.Append(e); err != nil {
		a.logger.Error("audit append failed",
			zap.String("run_id", e.RunID),
			zap.String("kind", e.Kind),
			zap.Error(err))
	}
}

// sleepBackoff waits 500ms * 2^(attempt-1) plus up to 50% jitter, or until
// ctx is done.
func sleepBackoff(ctx context.Context, attempt int) error {
	d := backoffBase << (attempt - 1)
	d += time.Duration(rand.Int63n(int64(d) / 2))
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
