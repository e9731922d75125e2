// Package pipeline sequences the five decision stages, applies the policy
// gate between them, and suspends runs that need a human. A suspended run
// holds no goroutine: all state lives in the run store, and Resume re-drives
// the pipeline from what was persisted.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stormguard/stormguard/internal/approval"
	"github.com/stormguard/stormguard/internal/audit"
	"github.com/stormguard/stormguard/internal/budget"
	"github.com/stormguard/stormguard/internal/model"
	"github.com/stormguard/stormguard/internal/policy"
	"github.com/stormguard/stormguard/internal/reason"
	"github.com/stormguard/stormguard/internal/stage"
	"github.com/stormguard/stormguard/internal/store"
)

// FailureRejected is the failure reason recorded when a human rejects a
// gated action. The run terminates; recorded actions are marked cancelled.
const FailureRejected = "rejected by governance"

// FailureInterrupted is recorded for runs found mid-flight after a restart.
const FailureInterrupted = "interrupted by restart"

var (
	// ErrRunNotSuspended means a decision arrived for a run that is not
	// waiting on one.
	ErrRunNotSuspended = errors.New("run is not awaiting approval")
	// ErrRunTerminal means the run already completed, failed or was cancelled.
	ErrRunTerminal = errors.New("run is already terminal")
)

// Options wires an Orchestrator.
type Options struct {
	Runs       *store.Store
	Approvals  *approval.Store
	Audit      *audit.Log
	Reasoner   reason.Reasoner
	Logger     *zap.Logger
	Config     *policy.Config
	PolicyHash string
}

// Orchestrator owns the run lifecycle. All run mutations flow through it.
type Orchestrator struct {
	runs      *store.Store
	approvals *approval.Store
	log       *audit.Log
	adapter   *stage.Adapter
	tracker   *budget.Tracker
	logger    *zap.Logger

	cfg        atomic.Pointer[policy.Config]
	policyHash atomic.Pointer[string]

	mu      sync.Mutex
	cancels map[string]*runCancel
	wg      sync.WaitGroup
}

// runCancel identifies one drive goroutine's cancel func, so a finished
// drive unregisters only itself and never a successor registered by Resume.
type runCancel struct {
	cancel context.CancelFunc
}

// New creates an orchestrator. Config defaults are applied when nil.
func New(opts Options) *Orchestrator {
	if opts.Config == nil {
		opts.Config = policy.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	tracker := budget.NewTracker(opts.Config.Budget.CostPerCallUSD, opts.Config.Budget.MaxRunCostUSD)
	o := &Orchestrator{
		runs:      opts.Runs,
		approvals: opts.Approvals,
		log:       opts.Audit,
		adapter:   stage.NewAdapter(opts.Reasoner, opts.Audit, tracker, opts.Logger),
		tracker:   tracker,
		logger:    opts.Logger,
		cancels:   map[string]*runCancel{},
	}
	o.cfg.Store(opts.Config)
	o.policyHash.Store(&opts.PolicyHash)
	return o
}

// SetConfig swaps the active policy. In-flight stages finish under the old
// policy; the next gate evaluation sees the new one.
func (o *Orchestrator) SetConfig(cfg *policy.Config, hash string) {
	o.cfg.Store(cfg)
	o.policyHash.Store(&hash)
	o.logger.Info("policy reloaded", zap.String("policy_hash", hash))
}

// Config returns the active policy.
func (o *Orchestrator) Config() *policy.Config { return o.cfg.Load() }

// PolicyHash returns the hash of the active policy file.
func (o *Orchestrator) PolicyHash() string { return *o.policyHash.Load() }

// Start creates a run for the event and begins driving it asynchronously.
func (o *Orchestrator) Start(ctx context.Context, ev model.Event) (string, error) {
	if ev.Type == "" {
		return "", fmt.Errorf("event type is required")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.DetectedAt.IsZero() {
		ev.DetectedAt = time.Now().UTC()
	}

	now := time.Now().UTC()
	run := &model.PipelineRun{
		ID:        uuid.NewString(),
		Event:     ev,
		Status:    model.StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.runs.Create(ctx, run); err != nil {
		return "", err
	}

	o.append(audit.Entry{
		RunID:  run.ID,
		Actor:  audit.ActorSystem,
		Kind:   audit.KindRunStarted,
		Reason: fmt.Sprintf("disruption event %s", ev.Type),
		Details: audit.Details{
			EventType: ev.Type,
			Severity:  ev.Severity,
		},
	})
	o.logger.Info("run started",
		zap.String("run_id", run.ID),
		zap.String("event_type", ev.Type),
		zap.Int("severity", ev.Severity))

	o.drive(run)
	return run.ID, nil
}

// Resume applies a human decision to a suspended run. Repeating an
// identical decision is a no-op; a conflicting one fails with
// approval.ErrAlreadyDecided.
func (o *Orchestrator) Resume(ctx context.Context, runID string, outcome approval.Outcome, decidedBy, note string) error {
	run, err := o.runs.Get(ctx, runID)
	if err != nil {
		return err
	}

	req, err := o.approvals.PendingForRun(runID)
	if err != nil {
		return err
	}
	if req == nil {
		if run.Status == model.StatusPendingApproval {
			return fmt.Errorf("run %s is suspended but has no pending request", runID)
		}
		// The decision may already have landed. Re-deciding the latest
		// request keeps identical repeats no-ops and surfaces conflicts.
		if last := o.latestDecided(runID); last != nil {
			changed, derr := o.approvals.Decide(last.ID, outcome, decidedBy, note)
			if derr != nil {
				return derr
			}
			if !changed {
				return nil
			}
		}
		return ErrRunNotSuspended
	}

	changed, err := o.approvals.Decide(req.ID, outcome, decidedBy, note)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	switch outcome {
	case approval.OutcomeApproved:
		o.append(audit.Entry{
			RunID:    runID,
			Actor:    audit.ActorHuman,
			Kind:     audit.KindApprovalGranted,
			Stage:    string(req.Stage),
			Decision: string(approval.OutcomeApproved),
			Details:  audit.Details{DecidedBy: decidedBy, Note: note},
		})
		o.append(audit.Entry{
			RunID:  runID,
			Actor:  audit.ActorSystem,
			Kind:   audit.KindRunResumed,
			Stage:  string(req.Stage),
			Reason: fmt.Sprintf("approval granted by %s", decidedBy),
		})
		run.Status = model.StatusRunning
		if err := o.runs.Update(ctx, run); err != nil {
			return err
		}
		o.logger.Info("run resumed",
			zap.String("run_id", runID),
			zap.String("decided_by", decidedBy))
		o.drive(run)
		return nil

	case approval.OutcomeRejected:
		o.append(audit.Entry{
			RunID:    runID,
			Actor:    audit.ActorHuman,
			Kind:     audit.KindApprovalRejected,
			Stage:    string(req.Stage),
			Decision: string(approval.OutcomeRejected),
			Details:  audit.Details{DecidedBy: decidedBy, Note: note},
		})
		return o.failRun(ctx, run, FailureRejected, true)

	default:
		return fmt.Errorf("unknown decision %q", outcome)
	}
}

// latestDecided returns the run's most recently decided approval request.
func (o *Orchestrator) latestDecided(runID string) *approval.Request {
	reqs, err := o.approvals.List()
	if err != nil {
		return nil
	}
	var last *approval.Request
	for i := range reqs {
		r := &reqs[i]
		if r.RunID != runID || r.DecidedAt == nil {
			continue
		}
		if last == nil || r.DecidedAt.After(*last.DecidedAt) {
			last = r
		}
	}
	return last
}

// GetStatus loads the current run state.
func (o *Orchestrator) GetStatus(ctx context.Context, runID string) (*model.PipelineRun, error) {
	return o.runs.Get(ctx, runID)
}

// Cancel aborts a non-terminal run. A pending approval request for the run
// is rejected on its behalf. The terminal state is committed before any
// bookkeeping: if the run completes while the cancel is in flight, the
// store's terminal guard rejects the write and the completion stands.
func (o *Orchestrator) Cancel(ctx context.Context, runID, why string) error {
	run, err := o.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return ErrRunTerminal
	}

	o.mu.Lock()
	if h, ok := o.cancels[runID]; ok {
		h.cancel()
	}
	o.mu.Unlock()

	if why == "" {
		why = "cancelled by operator"
	}
	run.Status = model.StatusFailed
	run.FailureReason = why
	if err := o.runs.Update(ctx, run); err != nil {
		if errors.Is(err, store.ErrTerminal) {
			return ErrRunTerminal
		}
		return err
	}

	if req, _ := o.approvals.PendingForRun(runID); req != nil {
		o.approvals.Decide(req.ID, approval.OutcomeRejected, "system", "run cancelled")
	}

	o.append(audit.Entry{
		RunID:  runID,
		Actor:  audit.ActorSystem,
		Kind:   audit.KindRunCancelled,
		Reason: why,
	})
	o.tracker.Release(runID)
	return nil
}

// Recover fails runs found mid-flight after a restart. Suspended runs are
// left alone: their state is durable and Resume still works.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	stale, err := o.runs.ListByStatus(ctx, model.StatusRunning)
	if err != nil {
		return 0, err
	}
	for _, run := range stale {
		o.append(audit.Entry{
			RunID:  run.ID,
			Actor:  audit.ActorSystem,
			Kind:   audit.KindRunFailed,
			Reason: FailureInterrupted,
		})
		run.Status = model.StatusFailed
		run.FailureReason = FailureInterrupted
		if err := o.runs.Update(ctx, run); err != nil {
			return 0, err
		}
		o.logger.Warn("recovered interrupted run", zap.String("run_id", run.ID))
	}
	return len(stale), nil
}

// ExpireApprovals sweeps stale approval requests per policy and fails the
// runs they were blocking. No-op when expiry is disabled.
func (o *Orchestrator) ExpireApprovals(ctx context.Context) (int, error) {
	maxAge := o.Config().Approvals.MaxPendingAge
	if maxAge <= 0 {
		return 0, nil
	}
	expired, err := o.approvals.ExpireStale(maxAge)
	if err != nil {
		return 0, err
	}
	for _, req := range expired {
		o.append(audit.Entry{
			RunID:    req.RunID,
			Actor:    audit.ActorSystem,
			Kind:     audit.KindApprovalRejected,
			Stage:    string(req.Stage),
			Decision: string(approval.OutcomeRejected),
			Reason:   fmt.Sprintf("approval request expired after %s", maxAge),
			Details:  audit.Details{DecidedBy: "system"},
		})
		run, err := o.runs.Get(ctx, req.RunID)
		if err != nil {
			continue
		}
		o.failRun(ctx, run, FailureRejected, true)
	}
	return len(expired), nil
}

// Wait blocks until all in-flight drives finish. Test and shutdown hook.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// drive advances the run asynchronously from its first unexecuted stage.
func (o *Orchestrator) drive(run *model.PipelineRun) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &runCancel{cancel: cancel}
	o.mu.Lock()
	o.cancels[run.ID] = h
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.unregister(run.ID, h)
			cancel()
		}()
		o.driveLoop(ctx, run)
	}()
}

// unregister removes a drive's cancel func, unless a newer drive for the
// same run has replaced it.
func (o *Orchestrator) unregister(runID string, h *runCancel) {
	o.mu.Lock()
	if o.cancels[runID] == h {
		delete(o.cancels, runID)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) driveLoop(ctx context.Context, run *model.PipelineRun) {
	for _, st := range model.StageOrder {
		if run.Result(st) != nil {
			continue
		}
		cfg := o.Config()

		run.CurrentStage = st
		if err := o.runs.Update(ctx, run); err != nil {
			if !errors.Is(err, store.ErrTerminal) {
				o.logger.Error("persist run failed", zap.String("run_id", run.ID), zap.Error(err))
			}
			return
		}

		res := o.adapter.Execute(ctx, run, st, cfg)

		if res.Error != "" {
			if ctx.Err() != nil {
				// A concurrent Cancel records the terminal state.
				return
			}
			run.StageResults = append(run.StageResults, res)
			o.failRun(context.Background(), run, fmt.Sprintf("stage %s failed: %s", st, res.Error), false)
			return
		}

		if res.Proposed != nil {
			decision := policy.Evaluate(st, res.Proposed, cfg)
			res.Gate = &decision
			o.append(audit.Entry{
				RunID:      run.ID,
				Actor:      audit.ActorSystem,
				Kind:       audit.KindPolicyDecision,
				Stage:      string(st),
				Decision:   string(decision.Outcome),
				Reason:     decision.Reason,
				Details:    proposedDetails(res.Proposed, decision.Rule),
				PolicyHash: o.PolicyHash(),
			})

			run.StageResults = append(run.StageResults, res)

			switch decision.Outcome {
			case model.Reject:
				o.failRun(context.Background(), run, decision.Reason, false)
				return

			case model.RequireApproval:
				req, err := o.approvals.Create(run.ID, st, *res.Proposed, decision.Reason)
				if err != nil {
					o.failRun(context.Background(), run, fmt.Sprintf("create approval request: %v", err), false)
					return
				}
				o.append(audit.Entry{
					RunID:   run.ID,
					Actor:   audit.ActorSystem,
					Kind:    audit.KindApprovalRequested,
					Stage:   string(st),
					Reason:  decision.Reason,
					Details: proposedDetails(res.Proposed, decision.Rule),
				})
				run.Status = model.StatusPendingApproval
				if err := o.runs.Update(context.Background(), run); err != nil {
					if errors.Is(err, store.ErrTerminal) {
						return
					}
					o.logger.Error("persist suspension failed", zap.String("run_id", run.ID), zap.Error(err))
				}
				o.logger.Info("run suspended for approval",
					zap.String("run_id", run.ID),
					zap.String("stage", string(st)),
					zap.String("request_id", req.ID))
				return
			}
		} else {
			run.StageResults = append(run.StageResults, res)
		}

		if err := o.runs.Update(ctx, run); err != nil {
			if !errors.Is(err, store.ErrTerminal) {
				o.logger.Error("persist run failed", zap.String("run_id", run.ID), zap.Error(err))
			}
			return
		}
	}

	o.complete(run)
}

// complete synthesizes the executive summary and finalizes the run.
// Synthesis is deterministic and local, so it ignores cancellation.
func (o *Orchestrator) complete(run *model.PipelineRun) {
	summary := o.synthesize(run)
	run.Summary = &summary
	run.Status = model.StatusCompleted
	run.CurrentStage = ""

	if err := o.runs.Update(context.Background(), run); err != nil {
		if errors.Is(err, store.ErrTerminal) {
			// A concurrent cancel committed first; its state stands.
			o.tracker.Release(run.ID)
			return
		}
		o.logger.Error("persist completion failed", zap.String("run_id", run.ID), zap.Error(err))
		return
	}

	o.append(audit.Entry{
		RunID:  run.ID,
		Actor:  audit.ActorSystem,
		Kind:   audit.KindPlanSynthesized,
		Reason: summary.Narrative,
		Details: audit.Details{
			FinancialImpact: summary.TotalFinancialImpact,
		},
	})
	o.append(audit.Entry{
		RunID: run.ID,
		Actor: audit.ActorSystem,
		Kind:  audit.KindRunCompleted,
	})
	o.tracker.Release(run.ID)
	o.logger.Info("run completed",
		zap.String("run_id", run.ID),
		zap.Float64("total_impact_usd", summary.TotalFinancialImpact),
		zap.Float64("automation_pct", summary.AutomationLevelPct))
}

// failRun marks the run failed. When cancelActions is set, previously
// approved proposed actions are marked cancelled in the record.
func (o *Orchestrator) failRun(ctx context.Context, run *model.PipelineRun, why string, cancelActions bool) error {
	if cancelActions {
		for i := range run.StageResults {
			if p := run.StageResults[i].Proposed; p != nil {
				p.Cancelled = true
			}
		}
	}
	run.Status = model.StatusFailed
	run.FailureReason = why
	if err := o.runs.Update(ctx, run); err != nil {
		if errors.Is(err, store.ErrTerminal) {
			return nil
		}
		o.logger.Error("persist failure failed", zap.String("run_id", run.ID), zap.Error(err))
		return err
	}
	o.append(audit.Entry{
		RunID:  run.ID,
		Actor:  audit.ActorSystem,
		Kind:   audit.KindRunFailed,
		Reason: why,
	})
	o.tracker.Release(run.ID)
	o.logger.Warn("run failed", zap.String("run_id", run.ID), zap.String("reason", why))
	return nil
}

func (o *Orchestrator) append(e audit.Entry) {
	if e.PolicyHash == "" && e.Kind == audit.KindPolicyDecision {
		e.PolicyHash = o.PolicyHash()
	}
	if _, err := o.log.Append(e); err != nil {
		o.logger.Error("audit append failed",
			zap.String("run_id", e.RunID),
			zap.String("kind", e.Kind),
			zap.Error(err))
	}
}

func proposedDetails(p *model.ProposedAction, rule string) audit.Details {
	return audit.Details{
		FinancialImpact: p.FinancialImpact,
		PercentChange:   p.PercentChange,
		VendorID:        p.VendorID,
		Rule:            rule,
	}
}
