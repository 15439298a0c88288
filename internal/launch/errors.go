package launch

import (
	"errors"
	"fmt"
	"strings"

	"launchpad/internal/solana"
)

var (
	// ErrBusy is returned when another call is already driving the flow.
	ErrBusy = errors.New("launch flow is busy")
	// ErrNothingToRetry is returned when there is no failed step (or no failed_partial launch) to resume.
	ErrNothingToRetry = errors.New("nothing to retry")
)

// Kind classifies where a step failed.
type Kind string

const (
	KindMetadataUpload   Kind = "metadata_upload"
	KindTransactionBuild Kind = "transaction_build"
	KindSimulation       Kind = "simulation"
	KindSubmission       Kind = "submission"
	KindConfirmation     Kind = "confirmation"
	KindFinalize         Kind = "finalize"
)

// StepFailure wraps a failure inside a step. Step, when set, overrides the step to resume at.
type StepFailure struct {
	Step Step
	Kind Kind
	Err  error
}

func (e *StepFailure) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *StepFailure) Unwrap() error {
	return e.Err
}

const (
	forbiddenMessage = "The ledger RPC endpoint rejected the request (403: Access forbidden). Retry; if it keeps happening, configure a different RPC endpoint."
	expiredMessage   = "Transaction expired. Retry to rebuild the transaction."
)

// classify picks the step to resume at and the message to show for a failure at active.
// Typed ledger errors are matched first; text matching only covers errors from foreign signers.
func classify(active Step, err error) (Step, string) {
	if errors.Is(err, solana.ErrRPCForbidden) || forbiddenText(err) {
		return active, forbiddenMessage
	}
	if errors.Is(err, solana.ErrBlockhashExpired) || expiredText(err) {
		return StepBuildingTx, expiredMessage
	}
	var se *StepFailure
	if errors.As(err, &se) && se.Step != "" {
		return se.Step, err.Error()
	}
	return active, err.Error()
}

func forbiddenText(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "access forbidden") && strings.Contains(msg, "403")
}

func expiredText(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "blockhash") || strings.Contains(msg, "expired") || strings.Contains(msg, "block height exceeded")
}
