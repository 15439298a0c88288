package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"launchpad/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const launchColumns = `id,creator_wallet,agent_name,personality,bio,posting_frequency,target_community,allow_token_mention,
token_name,token_symbol,image_url,website_url,x_url,telegram_url,mint,trading_url,tx_signature,
identity_api_key,identity_claim_url,identity_verification_code,identity_verified,status,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanLaunch(row scanner) (domain.Launch, error) {
	var l domain.Launch
	var bio, community, image, website, x, telegram, mint sql.NullString
	var trading, sig, apiKey, claimURL, verificationCode sql.NullString
	err := row.Scan(&l.ID, &l.CreatorWallet, &l.AgentName, &l.Personality, &bio, &l.PostingFrequency, &community,
		&l.AllowTokenMention, &l.TokenName, &l.TokenSymbol, &image, &website, &x, &telegram, &mint, &trading, &sig,
		&apiKey, &claimURL, &verificationCode, &l.IdentityVerified, &l.Status, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	l.Bio = stringPtr(bio)
	l.TargetCommunity = stringPtr(community)
	l.ImageURL = stringPtr(image)
	l.WebsiteURL = stringPtr(website)
	l.XURL = stringPtr(x)
	l.TelegramURL = stringPtr(telegram)
	l.Mint = stringPtr(mint)
	l.TradingURL = stringPtr(trading)
	l.TxSignature = stringPtr(sig)
	l.IdentityAPIKey = stringPtr(apiKey)
	l.IdentityClaimURL = stringPtr(claimURL)
	l.IdentityVerificationCode = stringPtr(verificationCode)
	return l, nil
}

func (r Repo) InsertLaunchTx(ctx context.Context, tx *sql.Tx, l domain.Launch) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO launches(`+launchColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.CreatorWallet, l.AgentName, l.Personality, nullableStringPtr(l.Bio), l.PostingFrequency,
		nullableStringPtr(l.TargetCommunity), l.AllowTokenMention, l.TokenName, l.TokenSymbol,
		nullableStringPtr(l.ImageURL), nullableStringPtr(l.WebsiteURL), nullableStringPtr(l.XURL),
		nullableStringPtr(l.TelegramURL), nullableStringPtr(l.Mint), nullableStringPtr(l.TradingURL),
		nullableStringPtr(l.TxSignature), nullableStringPtr(l.IdentityAPIKey), nullableStringPtr(l.IdentityClaimURL),
		nullableStringPtr(l.IdentityVerificationCode), l.IdentityVerified, l.Status, l.CreatedAt, l.UpdatedAt)
	return err
}

// UpdateLaunchTx rewrites the mutable columns of a launch. The update is scoped by id and creator
// wallet; ErrNotFound means no row matched both.
func (r Repo) UpdateLaunchTx(ctx context.Context, tx *sql.Tx, l domain.Launch) error {
	res, err := tx.ExecContext(ctx, `UPDATE launches SET agent_name=?,personality=?,bio=?,posting_frequency=?,target_community=?,
allow_token_mention=?,token_name=?,token_symbol=?,image_url=?,website_url=?,x_url=?,telegram_url=?,mint=?,trading_url=?,
tx_signature=?,identity_api_key=?,identity_claim_url=?,identity_verification_code=?,identity_verified=?,status=?,updated_at=?
WHERE id=? AND creator_wallet=?`,
		l.AgentName, l.Personality, nullableStringPtr(l.Bio), l.PostingFrequency, nullableStringPtr(l.TargetCommunity),
		l.AllowTokenMention, l.TokenName, l.TokenSymbol, nullableStringPtr(l.ImageURL), nullableStringPtr(l.WebsiteURL),
		nullableStringPtr(l.XURL), nullableStringPtr(l.TelegramURL), nullableStringPtr(l.Mint), nullableStringPtr(l.TradingURL),
		nullableStringPtr(l.TxSignature), nullableStringPtr(l.IdentityAPIKey), nullableStringPtr(l.IdentityClaimURL),
		nullableStringPtr(l.IdentityVerificationCode), l.IdentityVerified, l.Status, l.UpdatedAt,
		l.ID, l.CreatorWallet)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetLaunch(ctx context.Context, id string) (domain.Launch, error) {
	return scanLaunch(r.DB.QueryRowContext(ctx, `SELECT `+launchColumns+` FROM launches WHERE id=?`, id))
}

// GetOwnedLaunchTx fetches a launch only if creator owns it.
func (r Repo) GetOwnedLaunchTx(ctx context.Context, tx *sql.Tx, id, creator string) (domain.Launch, error) {
	return scanLaunch(tx.QueryRowContext(ctx, `SELECT `+launchColumns+` FROM launches WHERE id=? AND creator_wallet=?`, id, creator))
}

type LaunchFilters struct {
	Creator string
	Status  string
	Mint    string
	Limit   int
}

// ListLaunches returns launches newest first.
func (r Repo) ListLaunches(ctx context.Context, f LaunchFilters) ([]domain.Launch, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Creator != "" {
		clauses = append(clauses, "creator_wallet=?")
		args = append(args, f.Creator)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Mint != "" {
		clauses = append(clauses, "mint=?")
		args = append(args, f.Mint)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM launches WHERE %s ORDER BY created_at DESC, id DESC LIMIT ?`, launchColumns, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Launch
	for rows.Next() {
		l, err := scanLaunch(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func scanEvent(row scanner) (domain.LaunchEvent, error) {
	var (
		e        domain.LaunchEvent
		message  sql.NullString
		metadata string
	)
	if err := row.Scan(&e.ID, &e.LaunchID, &e.Step, &e.Status, &message, &metadata, &e.CreatedAt); err != nil {
		return e, err
	}
	e.Message = message.String
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
			return e, fmt.Errorf("decode event %d metadata: %w", e.ID, err)
		}
	}
	return e, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.LaunchEvent, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LaunchEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ListLaunchEvents returns the audit trail of one launch, oldest first.
func (r Repo) ListLaunchEvents(ctx context.Context, launchID string) ([]domain.LaunchEvent, error) {
	return r.queryEvents(ctx, `SELECT id,launch_id,step,status,message,metadata_json,created_at FROM launch_events WHERE launch_id=? ORDER BY id ASC`, launchID)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.LaunchEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,launch_id,step,status,message,metadata_json,created_at FROM launch_events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM launch_events`)
	var id int64
	err := row.Scan(&id)
	return id, err
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
