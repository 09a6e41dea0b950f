package model

// StepKind tags the reconciliation action a Step performs.
type StepKind string

const (
	StepCreateNetwork    StepKind = "create_network"
	StepRemoveNetwork    StepKind = "remove_network"
	StepFetch            StepKind = "fetch"
	StepStartContainer   StepKind = "start_container"
	StepStopContainer    StepKind = "stop_container"
	StepRemoveContainer  StepKind = "remove_container"
	StepRestartContainer StepKind = "restart_container"
)

// Step is a single atomic reconciliation action. Only the fields relevant
// to Kind are populated; the planner never inspects fields outside of it.
type Step struct {
	Kind StepKind

	// CreateNetwork / RemoveNetwork
	Network Network

	// Fetch
	Image string

	// StartContainer
	Service Service
	AppID   int

	// StopContainer / RemoveContainer / RestartContainer
	ContainerID string
	Force       bool
}

// Result is the outcome of executing one Step. Per the planner's
// best-effort contract, a failing step never aborts the remaining plan;
// the caller collects Results and reports them.
type Result struct {
	Step Step
	Err  error
}

// Failed reports whether the step did not complete successfully.
func (r Result) Failed() bool {
	return r.Err != nil
}

// Transient distinguishes a retry-next-cycle failure (network blip,
// registry rate limit) from one recorded and surfaced without a tight
// retry loop (image not found). The reconciler consults this to decide
// whether to reattempt the step on the next cycle.
type Transient interface {
	Transient() bool
}

// IsTransient reports whether err, if non-nil, self-identifies as
// transient via the Transient interface. Errors that don't implement it
// are treated as non-transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if t, ok := err.(Transient); ok {
		return t.Transient()
	}
	return false
}
