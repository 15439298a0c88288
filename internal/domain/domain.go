package domain

import "strconv"

// Launch statuses in rank order. A stored launch never moves to a lower rank.
const (
	StatusDraft           = "draft"
	StatusLaunched        = "launched"
	StatusFailedPartial   = "failed_partial"
	StatusAgentRegistered = "agent_registered"
)

// Posting frequencies accepted for an agent.
const (
	PostingDaily1  = "daily_1"
	PostingDaily2  = "daily_2"
	PostingWeekly3 = "weekly_3"
)

// StatusRank orders statuses so updates can only move forward. Unknown statuses rank below draft.
func StatusRank(status string) int {
	switch status {
	case StatusDraft:
		return 1
	case StatusLaunched:
		return 2
	case StatusFailedPartial:
		return 3
	case StatusAgentRegistered:
		return 4
	default:
		return 0
	}
}

// Launch is the persisted record of a token + agent launch.
type Launch struct {
	ID                       string  `json:"id"`
	CreatorWallet            string  `json:"creator_wallet"`
	AgentName                string  `json:"agent_name"`
	Personality              string  `json:"personality"`
	Bio                      *string `json:"bio,omitempty"`
	PostingFrequency         string  `json:"posting_frequency" enum:"daily_1,daily_2,weekly_3"`
	TargetCommunity          *string `json:"target_community,omitempty"`
	AllowTokenMention        bool    `json:"allow_token_mention"`
	TokenName                string  `json:"token_name"`
	TokenSymbol              string  `json:"token_symbol"`
	ImageURL                 *string `json:"image_url,omitempty"`
	WebsiteURL               *string `json:"website_url,omitempty"`
	XURL                     *string `json:"x_url,omitempty"`
	TelegramURL              *string `json:"telegram_url,omitempty"`
	Mint                     *string `json:"mint,omitempty"`
	TradingURL               *string `json:"trading_url,omitempty"`
	TxSignature              *string `json:"tx_signature,omitempty"`
	IdentityAPIKey           *string `json:"identity_api_key,omitempty"`
	IdentityClaimURL         *string `json:"identity_claim_url,omitempty"`
	IdentityVerificationCode *string `json:"identity_verification_code,omitempty"`
	IdentityVerified         bool    `json:"identity_verified"`
	Status                   string  `json:"status" enum:"draft,launched,agent_registered,failed_partial"`
	CreatedAt                string  `json:"created_at" format:"date-time"`
	UpdatedAt                string  `json:"updated_at" format:"date-time"`
}

// HasIdentityCredentials reports whether the identity service credentials are stored.
func (l Launch) HasIdentityCredentials() bool {
	return l.IdentityAPIKey != nil && *l.IdentityAPIKey != ""
}

// OnChain reports whether the mint and transaction signature are recorded.
func (l Launch) OnChain() bool {
	return l.Mint != nil && *l.Mint != "" && l.TxSignature != nil && *l.TxSignature != ""
}

// LaunchEvent is an append-only audit row written by every finalize call.
type LaunchEvent struct {
	ID        int64          `json:"id"`
	LaunchID  string         `json:"launch_id"`
	Step      string         `json:"step"`
	Status    string         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

// IdentityRegistration is the outcome of registering an agent with the identity service.
// A failed registration is reported as a value, never as an error.
type IdentityRegistration struct {
	Success          bool     `json:"success"`
	Name             string   `json:"name,omitempty"`
	APIKey           string   `json:"api_key,omitempty"`
	ClaimURL         string   `json:"claim_url,omitempty"`
	VerificationCode string   `json:"verification_code,omitempty"`
	Error            string   `json:"error,omitempty"`
	ErrorStatus      int      `json:"error_status,omitempty"`
	ErrorBody        string   `json:"error_body,omitempty"`
	Attempts         []string `json:"attempts,omitempty"`
}

// ErrorDetails renders the failure for display and diagnostics.
func (r IdentityRegistration) ErrorDetails() string {
	if r.Success {
		return ""
	}
	msg := r.Error
	if msg == "" {
		msg = "unknown error"
	}
	if r.ErrorBody != "" {
		return msg + " (status: " + strconv.Itoa(r.ErrorStatus) + ", body: " + r.ErrorBody + ")"
	}
	return msg
}
