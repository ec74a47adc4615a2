package app

// StopReason is logged when the daemon stops.
type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopRequested  StopReason = "requested"
)
