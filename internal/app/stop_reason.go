package app

// StopReason is logged when the process shuts down.
type StopReason string

const (
	StopSignal StopReason = "signal"
	StopFatal  StopReason = "fatal"
	StopDone   StopReason = "done"
)
