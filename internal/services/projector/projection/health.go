package projection

import "time"

// Status is the externally visible health of a tier.
type Status string

const (
	StatusStarting Status = "starting"
	StatusServing  Status = "serving"
	StatusFaulted  Status = "faulted"
	StatusStopped  Status = "stopped"
)

// Health receives tier status transitions.
type Health interface {
	SetStatus(tier string, status Status, message string)
	OnFault(tier string, status Status, err error)
}

// Skip reasons reported to observers.
const (
	SkipAlreadyApplied = "already_applied"
	SkipNoHandler      = "no_handler"
)

// Observer receives per-event processing signals.
type Observer interface {
	Applied(tier string, t string, elapsed time.Duration)
	Skipped(tier string, t string, reason string)
	Failed(tier string, t string, code string)
}

type nopHealth struct{}

func (nopHealth) SetStatus(string, Status, string) {}
func (nopHealth) OnFault(string, Status, error)    {}

type nopObserver struct{}

func (nopObserver) Applied(string, string, time.Duration) {}
func (nopObserver) Skipped(string, string, string)        {}
func (nopObserver) Failed(string, string, string)         {}
