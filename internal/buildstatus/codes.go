// Package buildstatus defines the numeric status codes written to the
// Builds and BuildSteps tables. The integer values are canonical: they are
// consumed by the dispatcher and UI components outside this module, so
// they must never be renumbered.
package buildstatus

// BuildStatus is the final status recorded against a Builds row.
type BuildStatus int

const (
	Success     BuildStatus = 0
	Failed      BuildStatus = 1
	DepFailed   BuildStatus = 2
	Aborted     BuildStatus = 3
	Cancelled   BuildStatus = 4
	Busy        BuildStatus = 100
	Unsupported BuildStatus = 9
)

// StepStatus is the status recorded against a BuildSteps row.
type StepStatus int

const (
	StepBusy        StepStatus = 0
	StepSuccess     StepStatus = 1
	StepFailed      StepStatus = 2
	StepDepFailed   StepStatus = 3
	StepAborted     StepStatus = 4
	StepUnsupported StepStatus = 9
)
