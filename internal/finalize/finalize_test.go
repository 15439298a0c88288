package finalize

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"launchpad/internal/db"
	"launchpad/internal/domain"
	"launchpad/internal/migrate"
	"launchpad/internal/repo"
	"launchpad/internal/validate"
)

const (
	wallet = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"
	other  = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	mint   = "4k3Dyjzvzp8eMZWUXbBCjEvwSkkk59S5iCNLY3QrkX6R"
)

var sig = strings.Repeat("5", 88)

func newTestService(t *testing.T) Service {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn, nil))
	s := New(conn, nil)
	s.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func baseRequest(status string) domain.FinalizeRequest {
	return domain.FinalizeRequest{
		CreatorWallet: wallet,
		AgentName:     "Bot",
		Personality:   "curious",
		TokenName:     "Moon",
		TokenSymbol:   "moon",
		Mint:          mint,
		TxSignature:   sig,
		Status:        status,
	}
}

func TestFinalizeInsertsWithDefaultsAndEvent(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	l, err := s.FinalizeLaunch(ctx, baseRequest(domain.StatusFailedPartial))
	require.NoError(t, err)
	assert.NotEmpty(t, l.ID)
	assert.Equal(t, domain.StatusFailedPartial, l.Status)
	assert.Equal(t, "MOON", l.TokenSymbol)
	assert.Equal(t, domain.PostingDaily1, l.PostingFrequency)
	assert.True(t, l.AllowTokenMention)
	require.NotNil(t, l.TradingURL)
	assert.Equal(t, "https://pump.fun/"+mint, *l.TradingURL)
	assert.Equal(t, "2026-03-01T12:00:00Z", l.CreatedAt)

	evts, err := s.Repo.ListLaunchEvents(ctx, l.ID)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "finalize", evts[0].Step)
	assert.Equal(t, "success", evts[0].Status)
	assert.Equal(t, "Launch finalized with status: failed_partial", evts[0].Message)
	assert.Equal(t, mint, evts[0].Metadata["mint"])
	assert.Equal(t, false, evts[0].Metadata["hasIdentity"])
}

func TestFinalizeUpdatePromotesAndKeepsCredentials(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	first, err := s.FinalizeLaunch(ctx, baseRequest(domain.StatusFailedPartial))
	require.NoError(t, err)

	upgrade := baseRequest(domain.StatusAgentRegistered)
	upgrade.LaunchID = first.ID
	upgrade.AgentName = "Bot-ab12"
	upgrade.IdentityAPIKey = "key"
	upgrade.IdentityClaimURL = "https://claim.example/x"
	upgrade.IdentityVerificationCode = "code"
	second, err := s.FinalizeLaunch(ctx, upgrade)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, domain.StatusAgentRegistered, second.Status)
	assert.Equal(t, "Bot-ab12", second.AgentName)

	// A stale failed_partial write must neither demote nor wipe credentials.
	stale := baseRequest(domain.StatusFailedPartial)
	stale.LaunchID = first.ID
	third, err := s.FinalizeLaunch(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAgentRegistered, third.Status)
	require.NotNil(t, third.IdentityAPIKey)
	assert.Equal(t, "key", *third.IdentityAPIKey)

	stored, err := s.Repo.GetLaunch(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAgentRegistered, stored.Status)
	assert.True(t, stored.HasIdentityCredentials())

	evts, err := s.Repo.ListLaunchEvents(ctx, first.ID)
	require.NoError(t, err)
	assert.Len(t, evts, 3)
}

func TestFinalizeUpdateScopedToCreator(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	first, err := s.FinalizeLaunch(ctx, baseRequest(domain.StatusFailedPartial))
	require.NoError(t, err)

	hijack := baseRequest(domain.StatusAgentRegistered)
	hijack.LaunchID = first.ID
	hijack.CreatorWallet = other
	hijack.IdentityAPIKey = "stolen"
	_, err = s.FinalizeLaunch(ctx, hijack)
	assert.True(t, errors.Is(err, repo.ErrNotFound))

	stored, err := s.Repo.GetLaunch(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailedPartial, stored.Status)
	assert.Nil(t, stored.IdentityAPIKey)
}

func TestFinalizeRejectsInconsistentStatus(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.FinalizeLaunch(ctx, baseRequest(domain.StatusAgentRegistered))
	assert.ErrorIs(t, err, ErrStatusConflict)

	withCreds := baseRequest(domain.StatusFailedPartial)
	withCreds.IdentityAPIKey = "key"
	_, err = s.FinalizeLaunch(ctx, withCreds)
	assert.ErrorIs(t, err, ErrStatusConflict)
}

func TestFinalizeValidatesPayload(t *testing.T) {
	s := newTestService(t)
	req := baseRequest(domain.StatusLaunched)
	req.CreatorWallet = "not-a-key"
	req.TxSignature = "short"
	req.Status = "bogus"

	_, err := s.FinalizeLaunch(context.Background(), req)
	var verr *validate.Error
	require.ErrorAs(t, err, &verr)
	fields := map[string]bool{}
	for _, f := range verr.Fields {
		fields[f.Field] = true
	}
	assert.True(t, fields["creatorWallet"])
	assert.True(t, fields["txSignature"])
	assert.True(t, fields["status"])
}
