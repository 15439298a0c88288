package launch

// Step is a node of the launch state machine.
type Step string

const (
	StepForm              Step = "form"
	StepUploadingMetadata Step = "uploading_metadata"
	StepBuildingTx        Step = "building_tx"
	StepAwaitingSignature Step = "awaiting_signature"
	StepConfirming        Step = "confirming"
	StepRegisteringAgent  Step = "registering_agent"
	StepSuccess           Step = "success"
	StepError             Step = "error"
)

// Retryable reports whether a failed run can resume at s.
func (s Step) Retryable() bool {
	switch s {
	case StepUploadingMetadata, StepBuildingTx, StepAwaitingSignature, StepConfirming, StepRegisteringAgent:
		return true
	}
	return false
}

// RetryLabel is the action offered to the user for resuming at s.
func (s Step) RetryLabel() string {
	switch s {
	case StepUploadingMetadata:
		return "Retry Metadata Upload"
	case StepBuildingTx:
		return "Rebuild Transaction"
	case StepAwaitingSignature:
		return "Retry Signing"
	case StepConfirming:
		return "Retry Confirmation"
	case StepRegisteringAgent:
		return "Retry Agent Registration"
	}
	return ""
}
