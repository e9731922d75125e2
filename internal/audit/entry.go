package audit

// Actor values for entries not attributed to a stage.
const (
	ActorSystem = "system"
	ActorHuman  = "human"
)

// Entry kinds, in rough lifecycle order.
const (
	KindRunStarted        = "run_started"
	KindStageStarted      = "stage_started"
	KindStageAttempt      = "stage_attempt"
	KindStageCompleted    = "stage_completed"
	KindStageFailed       = "stage_failed"
	KindPolicyDecision    = "policy_decision"
	KindApprovalRequested = "approval_requested"
	KindApprovalGranted   = "approval_granted"
	KindApprovalRejected  = "approval_rejected"
	KindRunResumed        = "run_resumed"
	KindPlanSynthesized   = "plan_synthesized"
	KindRunCompleted      = "run_completed"
	KindRunFailed         = "run_failed"
	KindRunCancelled      = "run_cancelled"
)

// Details carries the entry-specific payload. All fields are scalars (no
// map[string]any) to guarantee deterministic json.Marshal field order for
// reproducible hashing.
type Details struct {
	Attempt         int     `json:"attempt,omitempty"`
	EventType       string  `json:"event_type,omitempty"`
	Severity        int     `json:"severity,omitempty"`
	FinancialImpact float64 `json:"financial_impact,omitempty"`
	PercentChange   float64 `json:"percent_change,omitempty"`
	VendorID        string  `json:"vendor_id,omitempty"`
	DecidedBy       string  `json:"decided_by,omitempty"`
	Note            string  `json:"note,omitempty"`
	Error           string  `json:"error,omitempty"`
	CostUSD         float64 `json:"cost_usd,omitempty"`
	DurationMS      int64   `json:"duration_ms,omitempty"`
	Rule            string  `json:"rule,omitempty"`
}

// Entry is one line in a run's hash-chained JSONL audit log. Seq is assigned
// by the log, gap-free and starting at 1 per run. PrevHash chains each entry
// to the previous line of the same run, making the trail tamper-evident.
type Entry struct {
	RunID      string  `json:"run_id"`
	Seq        int     `json:"seq"`
	Timestamp  string  `json:"ts"`
	Actor      string  `json:"actor"`
	Kind       string  `json:"kind"`
	Stage      string  `json:"stage,omitempty"`
	Decision   string  `json:"decision,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	Details    Details `json:"details"`
	PolicyHash string  `json:"policy_hash,omitempty"`
	PrevHash   string  `json:"prev_hash"`
}
