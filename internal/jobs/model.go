package jobs

import "time"

// Job modes.
const (
	ModePrompt     = "prompt"
	ModeGuidelines = "guidelines"
)

// Job states.
const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Slot statuses.
const (
	SlotPending = "pending"
	SlotRunning = "running"
	SlotDone    = "done"
	SlotError   = "error"
)

// Result codes for a completed slot.
const (
	ResultCompliant    = "compliant"
	ResultNonCompliant = "non_compliant"
	ResultUnknown      = "unknown"
)

// Job represents one analysis job over a set of uploaded documents.
type Job struct {
	ID             string            `json:"id"`
	Mode           string            `json:"mode"`
	State          string            `json:"state"`
	GuidelineSet   string            `json:"guidelineSet,omitempty"`
	Prompt         string            `json:"prompt,omitempty"`
	DocumentIDs    []string          `json:"documentIds"`
	Slots          []GuidelineResult `json:"slots,omitempty"`
	CombinedResult map[string]any    `json:"combinedResult,omitempty"`
	Report         *Report           `json:"report,omitempty"`
	ErrorMessage   *string           `json:"errorMessage,omitempty"`
	HeartbeatAt    *time.Time        `json:"heartbeatAt,omitempty"`
	StartedAt      *time.Time        `json:"startedAt,omitempty"`
	CompletedAt    *time.Time        `json:"completedAt,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// GuidelineResult is the mutable result slot for one guideline within a job.
// Title and RegulationText are copied from the guideline library when the job
// is created and never change afterwards.
type GuidelineResult struct {
	GuidelineID    string     `json:"guidelineId"`
	Title          string     `json:"title"`
	RegulationText string     `json:"regulationText"`
	Position       int        `json:"position"`
	Status         string     `json:"status"`
	ResultCode     string     `json:"resultCode,omitempty"`
	Explanation    string     `json:"explanation,omitempty"`
	LocationRef    string     `json:"locationRef,omitempty"`
	QuotedExcerpt  string     `json:"quotedExcerpt,omitempty"`
	FallbackUsed   bool       `json:"fallbackUsed,omitempty"`
	ErrorMessage   *string    `json:"errorMessage,omitempty"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
}

// Report aggregates slot outcomes once every slot is terminal.
type Report struct {
	Compliant    int `json:"compliant"`
	NonCompliant int `json:"nonCompliant"`
	Unknown      int `json:"unknown"`
	Errored      int `json:"errored"`
	Total        int `json:"total"`
}

// Terminal reports whether the job state is terminal.
func (j Job) Terminal() bool {
	return j.State == StateCompleted || j.State == StateFailed
}

// SlotTerminal reports whether a slot status is terminal.
func SlotTerminal(status string) bool {
	return status == SlotDone || status == SlotError
}

// BuildReport counts result codes across terminal slots.
func BuildReport(slots []GuidelineResult) Report {
	report := Report{Total: len(slots)}
	for _, slot := range slots {
		switch slot.Status {
		case SlotError:
			report.Errored++
		case SlotDone:
			switch slot.ResultCode {
			case ResultCompliant:
				report.Compliant++
			case ResultNonCompliant:
				report.NonCompliant++
			default:
				report.Unknown++
			}
		}
	}
	return report
}
