package launch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"launchpad/internal/domain"
	"launchpad/internal/solana"
)

func (f *Flow) current() *Context {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lc
}

func (f *Flow) uploadImage(ctx context.Context) error {
	lc := f.current()
	if f.deps.Images == nil {
		return errors.New("image storage is not configured")
	}
	url, err := f.deps.Images.UploadImage(ctx, *lc.Request.Image)
	if err != nil {
		return err
	}
	f.update(func() { lc.ImageURL = url })
	return nil
}

func (f *Flow) uploadMetadata(ctx context.Context) error {
	lc := f.current()
	req := lc.Request
	uri, err := f.deps.Metadata.UploadMetadata(ctx, domain.MetadataRequest{
		Image:       req.Image,
		Name:        req.TokenName,
		Symbol:      req.TokenSymbol,
		Description: req.Description(),
		Twitter:     req.XURL,
		Telegram:    req.TelegramURL,
		Website:     req.WebsiteURL,
	})
	if err != nil {
		return &StepFailure{Kind: KindMetadataUpload, Err: err}
	}
	f.update(func() { lc.MetadataURI = uri })
	return nil
}

// buildTransaction always generates a new mint so a rebuilt transaction never reuses an address
// the ledger may already have seen.
func (f *Flow) buildTransaction(ctx context.Context) error {
	lc := f.current()
	if f.deps.Signer == nil {
		return &StepFailure{Kind: KindTransactionBuild, Err: errors.New("wallet is not connected")}
	}
	mint, err := f.deps.NewKeypair()
	if err != nil {
		return &StepFailure{Kind: KindTransactionBuild, Err: fmt.Errorf("generate mint keypair: %w", err)}
	}
	mintAddr := mint.PublicKey().String()
	raw, err := f.deps.Builder.BuildCreateTransaction(ctx, domain.CreateTxRequest{
		PublicKey:        f.deps.Signer.PublicKey().String(),
		MintPublicKey:    mintAddr,
		TokenName:        lc.Request.TokenName,
		TokenSymbol:      lc.Request.TokenSymbol,
		MetadataURI:      lc.MetadataURI,
		InitialBuyAmount: lc.Request.InitialBuySOL,
	})
	if err != nil {
		return &StepFailure{Kind: KindTransactionBuild, Err: err}
	}
	f.update(func() {
		lc.Mint = mint
		lc.MintAddress = mintAddr
		lc.SerializedTx = raw
		lc.TxSignature = ""
		lc.TradingURL = f.deps.TradingURLBase + mintAddr
	})
	return nil
}

func (f *Flow) signAndSubmit(ctx context.Context) error {
	lc := f.current()
	if lc.Mint == nil || len(lc.SerializedTx) == 0 {
		return &StepFailure{Step: StepBuildingTx, Kind: KindTransactionBuild, Err: errors.New("no transaction to sign")}
	}
	tx, err := solana.DecodeTransaction(lc.SerializedTx)
	if err != nil {
		return &StepFailure{Step: StepBuildingTx, Kind: KindTransactionBuild, Err: err}
	}
	if err := f.deps.Ledger.SimulateTransaction(ctx, lc.SerializedTx); err != nil {
		return &StepFailure{Kind: KindSimulation, Err: err}
	}
	if err := f.deps.Signer.SignTransaction(ctx, tx); err != nil {
		return &StepFailure{Kind: KindSubmission, Err: fmt.Errorf("wallet signature: %w", err)}
	}
	if err := tx.Sign(lc.Mint); err != nil {
		return &StepFailure{Kind: KindSubmission, Err: fmt.Errorf("mint signature: %w", err)}
	}
	sig, err := f.deps.Ledger.SendTransaction(ctx, tx.Serialize())
	if err != nil {
		return &StepFailure{Kind: KindSubmission, Err: err}
	}
	if sig == "" {
		sig = tx.Signature()
	}
	f.update(func() { lc.TxSignature = sig })
	f.deps.Logger.Info("transaction submitted", zap.String("signature", sig), zap.String("mint", lc.MintAddress))
	return nil
}

// confirm waits for the recorded signature. When the wait fails it asks for the status once more
// and accepts a confirmed or finalized transaction.
func (f *Flow) confirm(ctx context.Context) error {
	lc := f.current()
	if lc.TxSignature == "" {
		return &StepFailure{Step: StepAwaitingSignature, Kind: KindConfirmation, Err: errors.New("no submitted transaction to confirm")}
	}
	err := f.deps.Ledger.ConfirmTransaction(ctx, lc.TxSignature)
	if err == nil {
		return nil
	}
	if errors.Is(err, solana.ErrBlockhashExpired) {
		return &StepFailure{Kind: KindConfirmation, Err: err}
	}
	f.deps.Logger.Warn("confirmation failed, checking signature status", zap.String("signature", lc.TxSignature), zap.Error(err))
	status, serr := f.deps.Ledger.GetSignatureStatus(ctx, lc.TxSignature)
	switch {
	case serr != nil:
		return &StepFailure{Kind: KindConfirmation, Err: errors.Join(err, serr)}
	case status == nil:
		return &StepFailure{Kind: KindConfirmation, Err: err}
	case status.Failed():
		return &StepFailure{Kind: KindConfirmation, Err: fmt.Errorf("transaction failed: %s", string(status.Err))}
	case status.Reached(solana.CommitmentConfirmed):
		return nil
	}
	return &StepFailure{Kind: KindConfirmation, Err: err}
}

// registerAndFinalize registers the agent unless this attempt already holds credentials, then
// persists the launch. A failed registration still persists the launch as failed_partial.
func (f *Flow) registerAndFinalize(ctx context.Context) error {
	lc := f.current()
	status := domain.StatusAgentRegistered
	if !lc.identityRegistered() {
		reg := f.registerIdentity(ctx)
		if err := ctx.Err(); err != nil {
			return &StepFailure{Kind: KindFinalize, Err: err}
		}
		if !reg.Success {
			status = domain.StatusFailedPartial
			f.update(func() { f.identErr = identityFailure(reg) })
		} else {
			f.update(func() { f.identErr = "" })
		}
	}

	launch, err := f.deps.Finalizer.FinalizeLaunch(ctx, f.finalizeRequest(status))
	if err != nil {
		return &StepFailure{Kind: KindFinalize, Err: err}
	}
	f.update(func() {
		lc.LaunchID = launch.ID
		f.result = &launch
	})
	return nil
}

func (f *Flow) registerIdentity(ctx context.Context) domain.IdentityRegistration {
	lc := f.current()
	if f.deps.Identity == nil {
		return domain.IdentityRegistration{Error: "identity registration is not configured"}
	}
	reg, err := f.deps.Identity.RegisterAgent(ctx, lc.Request.AgentName, lc.Request.Bio)
	if err != nil {
		return domain.IdentityRegistration{Error: err.Error()}
	}
	if reg.Success {
		f.deps.Logger.Info("agent registered", zap.String("name", reg.Name))
		f.update(func() { lc.Identity = &reg })
	} else {
		f.deps.Logger.Warn("agent registration failed", zap.String("error", reg.ErrorDetails()))
	}
	return reg
}

// finalizeRequest builds the persistence payload from the context. Credentials are only sent
// for agent_registered.
func (f *Flow) finalizeRequest(status string) domain.FinalizeRequest {
	lc := f.current()
	req := lc.Request
	allow := req.AllowTokenMention
	out := domain.FinalizeRequest{
		LaunchID:          lc.LaunchID,
		CreatorWallet:     lc.CreatorWallet,
		AgentName:         req.AgentName,
		Personality:       req.Personality,
		Bio:               req.Bio,
		PostingFrequency:  req.PostingFrequency,
		TargetCommunity:   req.TargetCommunity,
		AllowTokenMention: &allow,
		TokenName:         req.TokenName,
		TokenSymbol:       req.TokenSymbol,
		ImageURL:          lc.ImageURL,
		WebsiteURL:        req.WebsiteURL,
		XURL:              req.XURL,
		TelegramURL:       req.TelegramURL,
		Mint:              lc.MintAddress,
		TradingURL:        lc.TradingURL,
		TxSignature:       lc.TxSignature,
		Status:            status,
	}
	if status == domain.StatusAgentRegistered && lc.Identity != nil {
		if lc.Identity.Name != "" {
			out.AgentName = lc.Identity.Name
		}
		out.IdentityAPIKey = lc.Identity.APIKey
		out.IdentityClaimURL = lc.Identity.ClaimURL
		out.IdentityVerificationCode = lc.Identity.VerificationCode
	}
	return out
}

func identityFailure(reg domain.IdentityRegistration) string {
	return "Agent registration failed: " + reg.ErrorDetails()
}
