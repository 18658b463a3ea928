package message

// Phase is the lifecycle stage reported to the status store.
type Phase string

const (
	PhasePending    Phase = "pending"
	PhaseGenerating Phase = "generating"
	PhaseComplete   Phase = "complete"
	PhaseError      Phase = "error"
)

// ProgressUnit is one entry of a progress message, e.g. "step 3 of 10".
type ProgressUnit struct {
	Index    *int     `json:"index"`
	Length   *int     `json:"length"`
	Unit     string   `json:"unit,omitempty"`
	Progress *float64 `json:"progress"`
	Desc     string   `json:"desc,omitempty"`
}

// StatusUpdate is the record written to the status store for one call.
//
// ETA is a shared slot: it carries the backend's average_duration for pending/generating/complete
// updates coming from results, and rank_eta for queue estimations.
type StatusUpdate struct {
	CallIndex    int
	Phase        Phase
	Queued       bool
	QueueSize    *int
	Rank         *int
	ETA          *float64
	ErrorMessage *string
	ProgressData []ProgressUnit
}

// UpdateFunc is the positional form of the status store contract:
//
//	update(call_index, phase, queued, queue_size, rank, average_duration_or_rank_eta, error_message, progress_data)
type UpdateFunc func(callIndex int, phase Phase, queued bool, queueSize, rank *int, eta *float64, errorMessage *string, progress []ProgressUnit)

// Apply calls fn with the fields of u in contract order.
func (u StatusUpdate) Apply(fn UpdateFunc) {
	fn(u.CallIndex, u.Phase, u.Queued, u.QueueSize, u.Rank, u.ETA, u.ErrorMessage, u.ProgressData)
}

// Ptr returns a pointer to v. Handy for the optional StatusUpdate fields.
func Ptr[T any](v T) *T {
	return &v
}
