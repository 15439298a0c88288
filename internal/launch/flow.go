// Package launch drives a token + agent launch through its steps and lets a failed attempt
// resume from the step that failed.
package launch

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"launchpad/internal/domain"
	"launchpad/internal/solana"
)

const DefaultTradingURLBase = "https://pump.fun/coin/"

type ImageStore interface {
	UploadImage(ctx context.Context, img domain.Image) (string, error)
}

type MetadataUploader interface {
	UploadMetadata(ctx context.Context, req domain.MetadataRequest) (string, error)
}

type TransactionBuilder interface {
	BuildCreateTransaction(ctx context.Context, req domain.CreateTxRequest) ([]byte, error)
}

type Ledger interface {
	SimulateTransaction(ctx context.Context, raw []byte) error
	SendTransaction(ctx context.Context, raw []byte) (string, error)
	ConfirmTransaction(ctx context.Context, sig string) error
	GetSignatureStatus(ctx context.Context, sig string) (*solana.SignatureStatus, error)
}

// Signer is the human wallet. It must sign before the mint keypair.
type Signer interface {
	PublicKey() solana.PublicKey
	SignTransaction(ctx context.Context, tx *solana.Transaction) error
}

type IdentityRegistrar interface {
	RegisterAgent(ctx context.Context, name, description string) (domain.IdentityRegistration, error)
}

type Finalizer interface {
	FinalizeLaunch(ctx context.Context, req domain.FinalizeRequest) (domain.Launch, error)
}

type Observer interface {
	ObserveStep(step, outcome string, d time.Duration)
}

// Deps wires the flow to its collaborators.
type Deps struct {
	Images    ImageStore
	Metadata  MetadataUploader
	Builder   TransactionBuilder
	Ledger    Ledger
	Signer    Signer
	Identity  IdentityRegistrar
	Finalizer Finalizer

	Logger   *zap.Logger
	Observer Observer
	// OnProgress is called after every state change, outside any lock the caller can observe.
	OnProgress     func(State)
	NewKeypair     func() (*solana.Keypair, error)
	TradingURLBase string
}

// State is a snapshot of the flow for display.
type State struct {
	Step          Step
	FailedStep    Step
	Message       string
	RetryLabel    string
	Result        *domain.Launch
	IdentityError string
	Mint          string
	TxSignature   string
	TradingURL    string
}

// CanRetry reports whether Retry would resume a failed step.
func (s State) CanRetry() bool {
	return s.Step == StepError && s.FailedStep.Retryable()
}

// CanRetryIdentity reports whether RetryIdentity applies.
func (s State) CanRetryIdentity() bool {
	return s.Step == StepSuccess && s.Result != nil && s.Result.Status == domain.StatusFailedPartial
}

// Flow runs one launch at a time. The run lock is held for a whole attempt; the state lock only
// guards the snapshot so State can be read while a step is in flight.
type Flow struct {
	deps Deps

	run sync.Mutex

	mu         sync.RWMutex
	lc         *Context
	step       Step
	failedStep Step
	message    string
	result     *domain.Launch
	identErr   string
}

func NewFlow(deps Deps) *Flow {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.NewKeypair == nil {
		deps.NewKeypair = solana.NewKeypair
	}
	if deps.TradingURLBase == "" {
		deps.TradingURLBase = DefaultTradingURLBase
	}
	return &Flow{deps: deps, step: StepForm}
}

// State returns a snapshot of the flow.
func (f *Flow) State() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.snapshotLocked()
}

func (f *Flow) snapshotLocked() State {
	s := State{
		Step:          f.step,
		FailedStep:    f.failedStep,
		Message:       f.message,
		IdentityError: f.identErr,
		RetryLabel:    f.failedStep.RetryLabel(),
	}
	if f.result != nil {
		r := *f.result
		s.Result = &r
	}
	if f.lc != nil {
		s.Mint = f.lc.MintAddress
		s.TxSignature = f.lc.TxSignature
		s.TradingURL = f.lc.TradingURL
	}
	return s
}

func (f *Flow) update(fn func()) {
	f.mu.Lock()
	fn()
	s := f.snapshotLocked()
	f.mu.Unlock()
	if f.deps.OnProgress != nil {
		f.deps.OnProgress(s)
	}
}

func (f *Flow) setStep(step Step) {
	f.update(func() { f.step = step })
}

// Reset discards the context and returns to the form. It waits for an in-flight run.
func (f *Flow) Reset() {
	f.run.Lock()
	defer f.run.Unlock()
	f.update(func() {
		f.lc = nil
		f.step = StepForm
		f.failedStep = ""
		f.message = ""
		f.result = nil
		f.identErr = ""
	})
}

// Execute validates req and runs a fresh attempt. Validation errors leave the flow untouched.
func (f *Flow) Execute(ctx context.Context, req domain.LaunchRequest) (State, error) {
	if !f.run.TryLock() {
		return f.State(), ErrBusy
	}
	defer f.run.Unlock()

	req = req.Normalize()
	if err := req.Validate(); err != nil {
		return f.State(), err
	}
	if f.deps.Signer == nil {
		return f.State(), errors.New("wallet signer is not configured")
	}

	lc := &Context{Request: req, CreatorWallet: f.deps.Signer.PublicKey().String()}
	f.update(func() {
		f.lc = lc
		f.step = StepForm
		f.failedStep = ""
		f.message = ""
		f.result = nil
		f.identErr = ""
	})
	f.deps.Logger.Info("launch started",
		zap.String("agent", req.AgentName),
		zap.String("symbol", req.TokenSymbol),
		zap.String("creator", lc.CreatorWallet))

	if req.Image != nil {
		if err := f.uploadImage(ctx); err != nil {
			f.deps.Logger.Warn("image upload failed", zap.Error(err))
			f.update(func() {
				f.step = StepError
				f.failedStep = ""
				f.message = "Image upload failed: " + err.Error()
			})
			return f.State(), err
		}
	}
	return f.runFrom(ctx, StepUploadingMetadata)
}

// Retry resumes at the failed step, reusing everything earlier steps produced.
func (f *Flow) Retry(ctx context.Context) (State, error) {
	if !f.run.TryLock() {
		return f.State(), ErrBusy
	}
	defer f.run.Unlock()

	f.mu.RLock()
	failed, lc := f.failedStep, f.lc
	f.mu.RUnlock()
	if lc == nil || !failed.Retryable() {
		return f.State(), ErrNothingToRetry
	}
	f.deps.Logger.Info("retrying launch", zap.String("step", string(failed)))
	return f.runFrom(ctx, failed)
}

// RetryIdentity re-runs identity registration for the failed_partial launch this flow produced.
func (f *Flow) RetryIdentity(ctx context.Context) (State, error) {
	f.mu.RLock()
	result := f.result
	f.mu.RUnlock()
	if result == nil {
		return f.State(), ErrNothingToRetry
	}
	return f.RetryIdentityFor(ctx, *result)
}

// RetryIdentityFor re-runs identity registration for a persisted launch and, on success,
// promotes it to agent_registered. A launch that is already registered is left unchanged.
func (f *Flow) RetryIdentityFor(ctx context.Context, l domain.Launch) (State, error) {
	if !f.run.TryLock() {
		return f.State(), ErrBusy
	}
	defer f.run.Unlock()

	if l.Status == domain.StatusAgentRegistered {
		f.update(func() {
			f.step = StepSuccess
			f.result = &l
			f.identErr = ""
		})
		return f.State(), nil
	}
	if l.Status != domain.StatusFailedPartial || !l.OnChain() {
		return f.State(), ErrNothingToRetry
	}

	lc := contextFromLaunch(l)
	f.update(func() {
		f.lc = lc
		f.step = StepRegisteringAgent
		f.failedStep = ""
		f.message = ""
		f.result = &l
	})

	started := time.Now()
	reg := f.registerIdentity(ctx)
	if !reg.Success {
		f.observe(StepRegisteringAgent, "failed", started)
		f.update(func() {
			f.step = StepSuccess
			f.identErr = identityFailure(reg)
		})
		return f.State(), nil
	}

	launch, err := f.deps.Finalizer.FinalizeLaunch(ctx, f.finalizeRequest(domain.StatusAgentRegistered))
	if err != nil {
		f.observe(StepRegisteringAgent, "failed", started)
		f.deps.Logger.Warn("identity retry could not be saved", zap.Error(err))
		f.update(func() {
			f.step = StepSuccess
			f.identErr = "Registration succeeded but the launch could not be updated: " + err.Error()
		})
		return f.State(), err
	}
	f.observe(StepRegisteringAgent, "ok", started)
	f.update(func() {
		f.step = StepSuccess
		f.result = &launch
		f.identErr = ""
	})
	return f.State(), nil
}

// runFrom walks the steps from start in order until success or the first failure.
func (f *Flow) runFrom(ctx context.Context, start Step) (State, error) {
	f.update(func() {
		f.failedStep = ""
		f.message = ""
	})
	step := start
	for {
		f.setStep(step)
		if step == StepSuccess {
			f.deps.Logger.Info("launch complete", zap.String("status", f.State().Result.Status))
			return f.State(), nil
		}

		started := time.Now()
		var (
			err  error
			next Step
		)
		switch step {
		case StepUploadingMetadata:
			err, next = f.uploadMetadata(ctx), StepBuildingTx
		case StepBuildingTx:
			err, next = f.buildTransaction(ctx), StepAwaitingSignature
		case StepAwaitingSignature:
			err, next = f.signAndSubmit(ctx), StepConfirming
		case StepConfirming:
			err, next = f.confirm(ctx), StepRegisteringAgent
		case StepRegisteringAgent:
			err, next = f.registerAndFinalize(ctx), StepSuccess
		default:
			err = errors.New("cannot run step " + string(step))
		}
		if err != nil {
			f.observe(step, "failed", started)
			return f.fail(step, err)
		}
		f.observe(step, "ok", started)
		f.deps.Logger.Info("step complete", zap.String("step", string(step)), zap.Duration("took", time.Since(started)))
		step = next
	}
}

func (f *Flow) fail(active Step, err error) (State, error) {
	resume, msg := classify(active, err)
	f.deps.Logger.Warn("launch step failed",
		zap.String("step", string(active)),
		zap.String("resume_at", string(resume)),
		zap.Error(err))
	f.update(func() {
		f.step = StepError
		f.failedStep = resume
		f.message = msg
	})
	return f.State(), err
}

func (f *Flow) observe(step Step, outcome string, started time.Time) {
	if f.deps.Observer != nil {
		f.deps.Observer.ObserveStep(string(step), outcome, time.Since(started))
	}
}
