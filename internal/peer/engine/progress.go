package engine

// Progress is a read-only projection of the current sync operation, emitted
// to observers on every change. It is never persisted.
type Progress struct {
	Percent int    `json:"percent"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Progress status values.
const (
	ProgressPreparing   = "preparing"
	ProgressPendingPeer = "pending-confirmation"
	ProgressSending     = "sending"
	ProgressReceiving   = "receiving"
	ProgressProcessing  = "processing"
	ProgressComplete    = "complete"
	ProgressError       = "error"
)
