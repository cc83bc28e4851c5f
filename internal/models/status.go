package models

// Status is the lifecycle state of a PackagingJob.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusPackaging Status = "packaging"
	StatusTesting   Status = "testing"
	StatusUploading Status = "uploading"
	StatusDeployed  Status = "deployed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusQueued,
	StatusPackaging,
	StatusTesting,
	StatusUploading,
	StatusDeployed,
	StatusFailed,
	StatusCancelled,
}

// TerminalStatuses are the states a job never leaves.
var TerminalStatuses = []Status{StatusDeployed, StatusFailed, StatusCancelled}

// packaging -> queued only happens through release/forceRelease/reclaim.
var validTransitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusPackaging: true,
		StatusCancelled: true,
	},
	StatusPackaging: {
		StatusQueued:    true,
		StatusTesting:   true,
		StatusUploading: true,
		StatusDeployed:  true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusTesting: {
		StatusUploading: true,
		StatusDeployed:  true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusUploading: {
		StatusDeployed:  true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusDeployed:  {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// Terminal reports whether s is deployed, failed or cancelled.
func (s Status) Terminal() bool {
	return s == StatusDeployed || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to Status) bool {
	nexts, ok := validTransitions[from]
	if !ok {
		return false
	}
	return nexts[to]
}

// ParseStatus converts raw into a Status, reporting whether it is known.
func ParseStatus(raw string) (Status, bool) {
	s := Status(raw)
	return s, s.Valid()
}
