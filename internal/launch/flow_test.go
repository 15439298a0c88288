package launch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"launchpad/internal/db"
	"launchpad/internal/domain"
	"launchpad/internal/finalize"
	"launchpad/internal/migrate"
	"launchpad/internal/repo"
	"launchpad/internal/solana"
	"launchpad/internal/validate"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeImages struct {
	err   error
	calls int
}

func (f *fakeImages) UploadImage(ctx context.Context, img domain.Image) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "https://storage.test/storage/v1/object/public/images/logo." + img.Extension(), nil
}

type fakeMetadata struct {
	errs  []error
	calls int
	last  domain.MetadataRequest
}

func (f *fakeMetadata) UploadMetadata(ctx context.Context, req domain.MetadataRequest) (string, error) {
	f.calls++
	f.last = req
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return "ipfs://meta", nil
}

type fakeBuilder struct {
	calls int
	mints []string
	errs  []error
}

func (f *fakeBuilder) BuildCreateTransaction(ctx context.Context, req domain.CreateTxRequest) ([]byte, error) {
	f.calls++
	f.mints = append(f.mints, req.MintPublicKey)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	payer, err := solana.PublicKeyFromBase58(req.PublicKey)
	if err != nil {
		return nil, err
	}
	mint, err := solana.PublicKeyFromBase58(req.MintPublicKey)
	if err != nil {
		return nil, err
	}
	var blockhash [32]byte
	blockhash[0] = byte(f.calls)
	return solana.NewUnsignedTransaction([]solana.PublicKey{payer, mint}, blockhash).Serialize(), nil
}

type fakeLedger struct {
	mu          sync.Mutex
	simulateErr []error
	sendErr     []error
	confirmErr  []error
	status      *solana.SignatureStatus
	sent        [][]byte
	confirms    int
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *fakeLedger) SimulateTransaction(ctx context.Context, raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return pop(&f.simulateErr)
}

func (f *fakeLedger) SendTransaction(ctx context.Context, raw []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := pop(&f.sendErr); err != nil {
		return "", err
	}
	tx, err := solana.DecodeTransaction(raw)
	if err != nil {
		return "", err
	}
	if !tx.FullySigned() {
		return "", errors.New("missing signature")
	}
	f.sent = append(f.sent, raw)
	return tx.Signature(), nil
}

func (f *fakeLedger) ConfirmTransaction(ctx context.Context, sig string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirms++
	return pop(&f.confirmErr)
}

func (f *fakeLedger) GetSignatureStatus(ctx context.Context, sig string) (*solana.SignatureStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

type fakeSigner struct {
	kp    *solana.Keypair
	errs  []error
	calls int
}

func (f *fakeSigner) PublicKey() solana.PublicKey { return f.kp.PublicKey() }

// SignTransaction refuses a transaction another signer already signed, the way wallet UIs flag
// a pre-signed transaction as tampered.
func (f *fakeSigner) SignTransaction(ctx context.Context, tx *solana.Transaction) error {
	if err := pop(&f.errs); err != nil {
		return err
	}
	for _, pk := range tx.Signers() {
		if pk != f.kp.PublicKey() && tx.IsSignedBy(pk) {
			return errors.New("transaction was already signed by " + pk.String())
		}
	}
	f.calls++
	return tx.Sign(f.kp)
}

type fakeIdentity struct {
	results []domain.IdentityRegistration
	calls   int
	names   []string
	descs   []string
}

func (f *fakeIdentity) RegisterAgent(ctx context.Context, name, description string) (domain.IdentityRegistration, error) {
	f.calls++
	f.names = append(f.names, name)
	f.descs = append(f.descs, description)
	if len(f.results) == 0 {
		return domain.IdentityRegistration{Success: true, Name: name, APIKey: "key-1", ClaimURL: "https://claim.test/1", VerificationCode: "abc"}, nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r, nil
}

type harness struct {
	flow     *Flow
	images   *fakeImages
	metadata *fakeMetadata
	builder  *fakeBuilder
	ledger   *fakeLedger
	signer   *fakeSigner
	identity *fakeIdentity
	store    finalize.Service
	steps    []Step
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn, nil))

	wallet, err := solana.NewKeypair()
	require.NoError(t, err)

	h := &harness{
		images:   &fakeImages{},
		metadata: &fakeMetadata{},
		builder:  &fakeBuilder{},
		ledger:   &fakeLedger{},
		signer:   &fakeSigner{kp: wallet},
		identity: &fakeIdentity{},
		store:    finalize.New(conn, nil),
	}
	h.flow = NewFlow(Deps{
		Images:    h.images,
		Metadata:  h.metadata,
		Builder:   h.builder,
		Ledger:    h.ledger,
		Signer:    h.signer,
		Identity:  h.identity,
		Finalizer: h.store,
		OnProgress: func(s State) {
			if n := len(h.steps); n == 0 || h.steps[n-1] != s.Step {
				h.steps = append(h.steps, s.Step)
			}
		},
	})
	return h
}

func request() domain.LaunchRequest {
	return domain.LaunchRequest{
		AgentName:         "Moonbot",
		Bio:               "A bot about the moon",
		Personality:       "cheerful and curious",
		TokenName:         "Moon",
		TokenSymbol:       "moon",
		InitialBuySOL:     0.1,
		AllowTokenMention: true,
	}
}

func TestExecuteRunsEveryStepAndRegistersAgent(t *testing.T) {
	h := newHarness(t)

	st, err := h.flow.Execute(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, []Step{StepForm, StepUploadingMetadata, StepBuildingTx, StepAwaitingSignature, StepConfirming, StepRegisteringAgent, StepSuccess}, h.steps)
	assert.Equal(t, StepSuccess, st.Step)
	require.NotNil(t, st.Result)
	assert.Equal(t, domain.StatusAgentRegistered, st.Result.Status)
	assert.Equal(t, "MOON", st.Result.TokenSymbol)
	assert.Equal(t, st.Mint, *st.Result.Mint)
	assert.Equal(t, "https://pump.fun/coin/"+st.Mint, st.TradingURL)
	assert.Equal(t, "key-1", *st.Result.IdentityAPIKey)
	assert.Empty(t, st.IdentityError)
	assert.Equal(t, "Moon (MOON) token", h.metadata.last.Description)
	assert.Equal(t, []string{"A bot about the moon"}, h.identity.descs)
	assert.Equal(t, 0, h.images.calls)

	events, err := repo.Repo{DB: h.store.DB}.ListLaunchEvents(context.Background(), st.Result.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestExecuteUploadsImageBeforeMetadata(t *testing.T) {
	h := newHarness(t)
	req := request()
	req.Image = &domain.Image{Name: "logo.png", ContentType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}}

	st, err := h.flow.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, h.images.calls)
	require.NotNil(t, st.Result.ImageURL)
	assert.Contains(t, *st.Result.ImageURL, "/storage/v1/object/public/")
}

func TestImageFailureHasNoFailedStep(t *testing.T) {
	h := newHarness(t)
	h.images.err = errors.New("bucket not found")
	req := request()
	req.Image = &domain.Image{Name: "logo.png", ContentType: "image/png", Data: []byte{1}}

	st, err := h.flow.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, StepError, st.Step)
	assert.Empty(t, st.FailedStep)
	assert.False(t, st.CanRetry())
	assert.Contains(t, st.Message, "bucket not found")
	assert.Equal(t, 0, h.metadata.calls)

	_, err = h.flow.Retry(context.Background())
	assert.ErrorIs(t, err, ErrNothingToRetry)
}

func TestValidationLeavesFlowAtForm(t *testing.T) {
	h := newHarness(t)
	req := request()
	req.TokenSymbol = "bad symbol!"

	st, err := h.flow.Execute(context.Background(), req)
	var verr *validate.Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "token_symbol", verr.Fields[0].Field)
	assert.Equal(t, StepForm, st.Step)
	assert.Empty(t, st.FailedStep)
	assert.Equal(t, 0, h.metadata.calls)
}

func TestIdentityFailurePersistsFailedPartial(t *testing.T) {
	h := newHarness(t)
	h.identity.results = []domain.IdentityRegistration{{Error: "Name conflict after 5 attempts", ErrorStatus: 409, ErrorBody: `{"error":"name taken"}`}}

	st, err := h.flow.Execute(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, StepSuccess, st.Step)
	assert.Equal(t, domain.StatusFailedPartial, st.Result.Status)
	assert.Nil(t, st.Result.IdentityAPIKey)
	assert.Contains(t, st.IdentityError, "Name conflict after 5 attempts")
	assert.True(t, st.CanRetryIdentity())
}

func TestRetryIdentityPromotesAndNeverDemotes(t *testing.T) {
	h := newHarness(t)
	h.identity.results = []domain.IdentityRegistration{
		{Error: "HTTP 500"},
		{Error: "HTTP 503"},
	}
	ctx := context.Background()

	st, err := h.flow.Execute(ctx, request())
	require.NoError(t, err)
	id := st.Result.ID

	st, err = h.flow.RetryIdentity(ctx)
	require.NoError(t, err)
	assert.Equal(t, StepSuccess, st.Step)
	assert.Equal(t, domain.StatusFailedPartial, st.Result.Status)
	assert.Contains(t, st.IdentityError, "HTTP 503")

	st, err = h.flow.RetryIdentity(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, st.Result.ID)
	assert.Equal(t, domain.StatusAgentRegistered, st.Result.Status)
	assert.Empty(t, st.IdentityError)
	assert.Equal(t, 3, h.identity.calls)

	// Already registered: no further registration.
	st, err = h.flow.RetryIdentity(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAgentRegistered, st.Result.Status)
	assert.Equal(t, 3, h.identity.calls)

	stored, err := repo.Repo{DB: h.store.DB}.GetLaunch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAgentRegistered, stored.Status)
	assert.Equal(t, "key-1", *stored.IdentityAPIKey)
}

func TestRetryIdentityForPersistedLaunch(t *testing.T) {
	h := newHarness(t)
	h.identity.results = []domain.IdentityRegistration{{Error: "HTTP 500"}}
	ctx := context.Background()
	st, err := h.flow.Execute(ctx, request())
	require.NoError(t, err)
	saved := *st.Result

	other := NewFlow(Deps{Identity: h.identity, Finalizer: h.store})
	st, err = other.RetryIdentityFor(ctx, saved)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAgentRegistered, st.Result.Status)
	assert.Equal(t, saved.ID, st.Result.ID)
	assert.Equal(t, *saved.Mint, *st.Result.Mint)

	_, err = other.RetryIdentityFor(ctx, domain.Launch{Status: domain.StatusLaunched})
	assert.ErrorIs(t, err, ErrNothingToRetry)
}

func TestForbiddenAtSigningResumesWithoutRebuilding(t *testing.T) {
	h := newHarness(t)
	h.ledger.simulateErr = []error{&solana.RPCError{Method: "simulateTransaction", HTTPStatus: 403, Message: "access forbidden (403): blocked"}}
	ctx := context.Background()

	st, err := h.flow.Execute(ctx, request())
	require.Error(t, err)
	assert.Equal(t, StepError, st.Step)
	assert.Equal(t, StepAwaitingSignature, st.FailedStep)
	assert.Equal(t, "Retry Signing", st.RetryLabel)
	assert.Contains(t, st.Message, "403")
	mint := st.Mint

	st, err = h.flow.Retry(ctx)
	require.NoError(t, err)
	assert.Equal(t, StepSuccess, st.Step)
	assert.Equal(t, 1, h.builder.calls)
	assert.Equal(t, 1, h.metadata.calls)
	assert.Equal(t, mint, *st.Result.Mint)
}

func TestForeignForbiddenTextIsRecognised(t *testing.T) {
	h := newHarness(t)
	h.signer.errs = []error{errors.New("wallet adapter: Access forbidden (403)")}

	st, err := h.flow.Execute(context.Background(), request())
	require.Error(t, err)
	assert.Equal(t, StepAwaitingSignature, st.FailedStep)
	assert.Equal(t, forbiddenMessage, st.Message)
}

func TestExpiredBlockhashRebuildsWithFreshMint(t *testing.T) {
	h := newHarness(t)
	h.ledger.sendErr = []error{&solana.RPCError{Method: "sendTransaction", Code: -32002, Message: "Blockhash not found"}}
	ctx := context.Background()

	st, err := h.flow.Execute(ctx, request())
	require.Error(t, err)
	assert.Equal(t, StepBuildingTx, st.FailedStep)
	assert.Equal(t, "Rebuild Transaction", st.RetryLabel)
	assert.Equal(t, expiredMessage, st.Message)

	st, err = h.flow.Retry(ctx)
	require.NoError(t, err)
	assert.Equal(t, StepSuccess, st.Step)
	assert.Equal(t, 2, h.builder.calls)
	assert.Equal(t, 1, h.metadata.calls)
	assert.NotEqual(t, h.builder.mints[0], h.builder.mints[1])
	assert.Equal(t, h.builder.mints[1], *st.Result.Mint)
}

func TestMetadataFailureRetriesAtMetadata(t *testing.T) {
	h := newHarness(t)
	h.metadata.errs = []error{errors.New("ipfs unavailable")}
	ctx := context.Background()

	st, err := h.flow.Execute(ctx, request())
	require.Error(t, err)
	var se *StepFailure
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindMetadataUpload, se.Kind)
	assert.Equal(t, StepUploadingMetadata, st.FailedStep)
	assert.Equal(t, "Retry Metadata Upload", st.RetryLabel)

	st, err = h.flow.Retry(ctx)
	require.NoError(t, err)
	assert.Equal(t, StepSuccess, st.Step)
	assert.Equal(t, 2, h.metadata.calls)
}

func TestConfirmationFallsBackToStatus(t *testing.T) {
	h := newHarness(t)
	h.ledger.confirmErr = []error{solana.ErrConfirmTimeout}
	h.ledger.status = &solana.SignatureStatus{ConfirmationStatus: solana.CommitmentFinalized}

	st, err := h.flow.Execute(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, StepSuccess, st.Step)
}

func TestConfirmationFailureResumesWithoutResending(t *testing.T) {
	h := newHarness(t)
	h.ledger.confirmErr = []error{solana.ErrConfirmTimeout}
	h.ledger.status = &solana.SignatureStatus{ConfirmationStatus: "processed"}
	ctx := context.Background()

	st, err := h.flow.Execute(ctx, request())
	require.Error(t, err)
	assert.Equal(t, StepConfirming, st.FailedStep)
	sig := st.TxSignature
	require.NotEmpty(t, sig)

	st, err = h.flow.Retry(ctx)
	require.NoError(t, err)
	assert.Len(t, h.ledger.sent, 1)
	assert.Equal(t, 2, h.ledger.confirms)
	assert.Equal(t, sig, *st.Result.TxSignature)
}

func TestFailedTransactionStatusIsReported(t *testing.T) {
	h := newHarness(t)
	h.ledger.confirmErr = []error{solana.ErrConfirmTimeout}
	h.ledger.status = &solana.SignatureStatus{Err: []byte(`{"InstructionError":[0,"Custom"]}`)}

	st, err := h.flow.Execute(context.Background(), request())
	require.Error(t, err)
	assert.Equal(t, StepConfirming, st.FailedStep)
	assert.Contains(t, st.Message, "InstructionError")
}

func TestRetryAtRegisteringAgentReusesChainState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flow := NewFlow(Deps{
		Metadata:  h.metadata,
		Builder:   h.builder,
		Ledger:    h.ledger,
		Signer:    h.signer,
		Identity:  h.identity,
		Finalizer: &flakyFinalizer{next: h.store, fail: 1},
	})

	st, err := flow.Execute(ctx, request())
	require.Error(t, err)
	assert.Equal(t, StepRegisteringAgent, st.FailedStep)
	assert.Equal(t, "Retry Agent Registration", st.RetryLabel)
	mint, sig := st.Mint, st.TxSignature

	st, err = flow.Retry(ctx)
	require.NoError(t, err)
	assert.Equal(t, mint, *st.Result.Mint)
	assert.Equal(t, sig, *st.Result.TxSignature)
	assert.Equal(t, 1, h.builder.calls)
	assert.Len(t, h.ledger.sent, 1)
	// Credentials obtained before the finalize failure are reused.
	assert.Equal(t, 1, h.identity.calls)
	assert.Equal(t, domain.StatusAgentRegistered, st.Result.Status)
}

type flakyFinalizer struct {
	next finalize.Service
	fail int
}

func (f *flakyFinalizer) FinalizeLaunch(ctx context.Context, req domain.FinalizeRequest) (domain.Launch, error) {
	if f.fail > 0 {
		f.fail--
		return domain.Launch{}, errors.New("database is locked")
	}
	return f.next.FinalizeLaunch(ctx, req)
}

func TestRetryWithoutFailure(t *testing.T) {
	h := newHarness(t)
	_, err := h.flow.Retry(context.Background())
	assert.ErrorIs(t, err, ErrNothingToRetry)
	_, err = h.flow.RetryIdentity(context.Background())
	assert.ErrorIs(t, err, ErrNothingToRetry)
}

func TestRetryAfterSuccessIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	st, err := h.flow.Execute(ctx, request())
	require.NoError(t, err)
	require.Equal(t, StepSuccess, st.Step)
	assert.False(t, st.CanRetry())

	st, err = h.flow.Retry(ctx)
	assert.ErrorIs(t, err, ErrNothingToRetry)
	assert.Equal(t, StepSuccess, st.Step)
	assert.Empty(t, st.FailedStep)
	assert.Equal(t, 1, h.metadata.calls)
	assert.Equal(t, 1, h.builder.calls)
	assert.Equal(t, 1, h.signer.calls)
	assert.Len(t, h.ledger.sent, 1)
}

func TestWalletSignsBeforeMint(t *testing.T) {
	h := newHarness(t)
	st, err := h.flow.Execute(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, StepSuccess, st.Step)
	assert.Equal(t, 1, h.signer.calls)

	require.Len(t, h.ledger.sent, 1)
	tx, err := solana.DecodeTransaction(h.ledger.sent[0])
	require.NoError(t, err)
	assert.True(t, tx.IsSignedBy(h.signer.kp.PublicKey()))
	mint, err := solana.PublicKeyFromBase58(st.Mint)
	require.NoError(t, err)
	assert.True(t, tx.IsSignedBy(mint))
}

func TestForeignExpiryTextRebuilds(t *testing.T) {
	for _, text := range []string{"Transaction expired", "Blockhash is invalid"} {
		t.Run(text, func(t *testing.T) {
			h := newHarness(t)
			h.signer.errs = []error{errors.New(text)}
			ctx := context.Background()

			st, err := h.flow.Execute(ctx, request())
			require.Error(t, err)
			assert.Equal(t, StepBuildingTx, st.FailedStep)
			assert.Equal(t, "Rebuild Transaction", st.RetryLabel)

			st, err = h.flow.Retry(ctx)
			require.NoError(t, err)
			assert.Equal(t, StepSuccess, st.Step)
			assert.Equal(t, 2, h.builder.calls)
			assert.Equal(t, 1, h.metadata.calls)
		})
	}
}

type blockingMetadata struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingMetadata) UploadMetadata(ctx context.Context, req domain.MetadataRequest) (string, error) {
	close(b.entered)
	select {
	case <-b.release:
		return "ipfs://meta", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestConcurrentExecuteIsBusy(t *testing.T) {
	h := newHarness(t)
	meta := &blockingMetadata{entered: make(chan struct{}), release: make(chan struct{})}
	h.flow.deps.Metadata = meta
	h.flow.deps.OnProgress = nil

	done := make(chan error, 1)
	go func() {
		_, err := h.flow.Execute(context.Background(), request())
		done <- err
	}()
	<-meta.entered

	assert.Equal(t, StepUploadingMetadata, h.flow.State().Step)
	_, err := h.flow.Execute(context.Background(), request())
	assert.ErrorIs(t, err, ErrBusy)
	_, err = h.flow.Retry(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	close(meta.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("launch did not finish")
	}
}

func TestResetClearsState(t *testing.T) {
	h := newHarness(t)
	h.metadata.errs = []error{errors.New("boom")}
	_, err := h.flow.Execute(context.Background(), request())
	require.Error(t, err)

	h.flow.Reset()
	st := h.flow.State()
	assert.Equal(t, StepForm, st.Step)
	assert.Empty(t, st.FailedStep)
	assert.Empty(t, st.Message)
	_, err = h.flow.Retry(context.Background())
	assert.ErrorIs(t, err, ErrNothingToRetry)
}

func TestClassify(t *testing.T) {
	step, msg := classify(StepConfirming, errors.New("block height exceeded"))
	assert.Equal(t, StepBuildingTx, step)
	assert.Equal(t, expiredMessage, msg)

	for _, text := range []string{"Transaction expired", "Blockhash is invalid", "BLOCKHASH not found"} {
		step, msg = classify(StepAwaitingSignature, errors.New(text))
		assert.Equal(t, StepBuildingTx, step, text)
		assert.Equal(t, expiredMessage, msg, text)
	}

	step, _ = classify(StepConfirming, &StepFailure{Step: StepAwaitingSignature, Kind: KindConfirmation, Err: errors.New("x")})
	assert.Equal(t, StepAwaitingSignature, step)

	step, msg = classify(StepBuildingTx, errors.New("boom"))
	assert.Equal(t, StepBuildingTx, step)
	assert.Equal(t, "boom", msg)
}
