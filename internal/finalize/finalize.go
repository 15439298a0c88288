// Package finalize persists launches and appends their audit events.
package finalize

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"launchpad/internal/domain"
	"launchpad/internal/events"
	"launchpad/internal/repo"
)

// ErrStatusConflict marks a request whose status contradicts its identity credentials.
var ErrStatusConflict = errors.New("status conflict")

const DefaultTradingURLBase = "https://pump.fun/"

// Recorder receives the final status of every persisted launch.
type Recorder interface {
	ObserveFinalize(status string)
}

type Service struct {
	DB             *sql.DB
	Repo           repo.Repo
	Events         events.Writer
	Now            func() time.Time
	Logger         *zap.Logger
	TradingURLBase string
	Recorder       Recorder
}

func New(db *sql.DB, logger *zap.Logger) Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Service{
		DB:             db,
		Repo:           repo.Repo{DB: db},
		Events:         events.Writer{DB: db},
		Now:            time.Now,
		Logger:         logger,
		TradingURLBase: DefaultTradingURLBase,
	}
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Service) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// FinalizeLaunch inserts a new launch, or updates the one named by LaunchID when it belongs to
// CreatorWallet. An update never lowers the status rank and never drops stored credentials.
func (s Service) FinalizeLaunch(ctx context.Context, req domain.FinalizeRequest) (domain.Launch, error) {
	if err := req.Validate(); err != nil {
		return domain.Launch{}, err
	}
	hasCreds := strings.TrimSpace(req.IdentityAPIKey) != ""
	switch {
	case req.Status == domain.StatusAgentRegistered && !hasCreds:
		return domain.Launch{}, fmt.Errorf("%w: agent_registered requires identity credentials", ErrStatusConflict)
	case req.Status == domain.StatusFailedPartial && hasCreds:
		return domain.Launch{}, fmt.Errorf("%w: failed_partial cannot carry identity credentials", ErrStatusConflict)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Launch{}, err
	}
	defer tx.Rollback()

	now := s.now().UTC().Format(time.RFC3339)
	var l domain.Launch
	if req.LaunchID != "" {
		existing, err := s.Repo.GetOwnedLaunchTx(ctx, tx, req.LaunchID, req.CreatorWallet)
		if err != nil {
			return domain.Launch{}, err
		}
		l = s.merge(existing, req)
		l.UpdatedAt = now
		if err := s.Repo.UpdateLaunchTx(ctx, tx, l); err != nil {
			return domain.Launch{}, fmt.Errorf("update launch: %w", err)
		}
	} else {
		l = s.merge(domain.Launch{
			ID:                uuid.NewString(),
			CreatorWallet:     req.CreatorWallet,
			AllowTokenMention: true,
			Status:            domain.StatusDraft,
			CreatedAt:         now,
		}, req)
		l.UpdatedAt = now
		if err := s.Repo.InsertLaunchTx(ctx, tx, l); err != nil {
			return domain.Launch{}, fmt.Errorf("insert launch: %w", err)
		}
	}

	metadata := events.Metadata{
		"mint":        req.Mint,
		"txSignature": req.TxSignature,
		"hasIdentity": l.HasIdentityCredentials(),
	}
	if _, err := s.Events.Append(ctx, tx, l.ID, "finalize", "success", "Launch finalized with status: "+l.Status, metadata); err != nil {
		return domain.Launch{}, fmt.Errorf("append launch event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Launch{}, err
	}

	s.logger().Info("launch finalized",
		zap.String("launch_id", l.ID),
		zap.String("status", l.Status),
		zap.String("mint", req.Mint),
		zap.Bool("updated", req.LaunchID != ""))
	if s.Recorder != nil {
		s.Recorder.ObserveFinalize(l.Status)
	}
	return l, nil
}

// merge applies req on top of base. Optional fields left empty in req keep their stored value.
func (s Service) merge(base domain.Launch, req domain.FinalizeRequest) domain.Launch {
	l := base
	l.AgentName = req.AgentName
	l.Personality = req.Personality
	l.TokenName = req.TokenName
	l.TokenSymbol = strings.ToUpper(req.TokenSymbol)
	l.Mint = keep(l.Mint, req.Mint)
	l.TxSignature = keep(l.TxSignature, req.TxSignature)
	l.Bio = keep(l.Bio, req.Bio)
	l.TargetCommunity = keep(l.TargetCommunity, req.TargetCommunity)
	l.ImageURL = keep(l.ImageURL, req.ImageURL)
	l.WebsiteURL = keep(l.WebsiteURL, req.WebsiteURL)
	l.XURL = keep(l.XURL, req.XURL)
	l.TelegramURL = keep(l.TelegramURL, req.TelegramURL)

	switch {
	case req.PostingFrequency != "":
		l.PostingFrequency = req.PostingFrequency
	case l.PostingFrequency == "":
		l.PostingFrequency = domain.PostingDaily1
	}
	if req.AllowTokenMention != nil {
		l.AllowTokenMention = *req.AllowTokenMention
	}

	tradingURL := req.TradingURL
	if tradingURL == "" && (l.TradingURL == nil || *l.TradingURL == "") {
		baseURL := s.TradingURLBase
		if baseURL == "" {
			baseURL = DefaultTradingURLBase
		}
		tradingURL = baseURL + req.Mint
	}
	l.TradingURL = keep(l.TradingURL, tradingURL)

	if req.IdentityAPIKey != "" {
		l.IdentityAPIKey = keep(nil, req.IdentityAPIKey)
		l.IdentityClaimURL = keep(nil, req.IdentityClaimURL)
		l.IdentityVerificationCode = keep(nil, req.IdentityVerificationCode)
	}

	if domain.StatusRank(req.Status) > domain.StatusRank(l.Status) {
		l.Status = req.Status
	}
	return l
}

func keep(current *string, next string) *string {
	if strings.TrimSpace(next) == "" {
		return current
	}
	return &next
}
