package ports

import "time"

// Recorder receives scheduler and session events for metrics.
type Recorder interface {
	UpstreamCall(engine, op string, status int)
	UpstreamRetry(engine, op, reason string)
	EngineSelected(engine string)
	CommandFinished(command, outcome string, elapsed time.Duration)
	SessionsActive(n int)
}

type NopRecorder struct{}

func (NopRecorder) UpstreamCall(string, string, int)              {}
func (NopRecorder) UpstreamRetry(string, string, string)          {}
func (NopRecorder) EngineSelected(string)                         {}
func (NopRecorder) CommandFinished(string, string, time.Duration) {}
func (NopRecorder) SessionsActive(int)                            {}
