package domain

import (
	"fmt"
	"strings"

	"launchpad/internal/validate"
)

// MaxImageBytes bounds uploaded token images.
const MaxImageBytes = 5 << 20

var allowedImageTypes = map[string]string{
	"image/png":  "png",
	"image/jpeg": "jpg",
	"image/gif":  "gif",
	"image/webp": "webp",
}

// Image is an optional token image supplied with a launch request.
type Image struct {
	Name        string `json:"name" yaml:"name"`
	ContentType string `json:"content_type" yaml:"content_type"`
	Data        []byte `json:"-" yaml:"-"`
}

// Extension returns the file extension to store the image under.
func (i Image) Extension() string {
	if idx := strings.LastIndex(i.Name, "."); idx >= 0 && idx < len(i.Name)-1 {
		return strings.ToLower(i.Name[idx+1:])
	}
	if ext, ok := allowedImageTypes[i.ContentType]; ok {
		return ext
	}
	return "bin"
}

// ValidateImage checks the size and content type of an upload.
func ValidateImage(img *Image, field string) error {
	if img == nil {
		return nil
	}
	if len(img.Data) == 0 {
		return validate.Fieldf(field, "%s is empty", field)
	}
	if len(img.Data) > MaxImageBytes {
		return validate.Fieldf(field, "%s must be smaller than %dMB", field, MaxImageBytes>>20)
	}
	if _, ok := allowedImageTypes[img.ContentType]; !ok {
		return validate.Fieldf(field, "%s must be one of: image/jpeg, image/png, image/gif, image/webp", field)
	}
	return nil
}

// LaunchRequest is the immutable input of one launch attempt.
type LaunchRequest struct {
	AgentName         string  `json:"agent_name" yaml:"agent_name" validate:"required,min=1,max=32"`
	Bio               string  `json:"bio" yaml:"bio" validate:"required,min=1,max=120"`
	Personality       string  `json:"personality" yaml:"personality" validate:"required,min=1,max=500"`
	TokenName         string  `json:"token_name" yaml:"token_name" validate:"required,min=1,max=32"`
	TokenSymbol       string  `json:"token_symbol" yaml:"token_symbol" validate:"required,token_symbol"`
	TokenDescription  string  `json:"token_description,omitempty" yaml:"token_description" validate:"max=1000"`
	WebsiteURL        string  `json:"website_url,omitempty" yaml:"website_url" validate:"omitempty,max=500,http_url"`
	XURL              string  `json:"x_url,omitempty" yaml:"x_url" validate:"omitempty,max=500,http_url"`
	TelegramURL       string  `json:"telegram_url,omitempty" yaml:"telegram_url" validate:"omitempty,max=500,http_url"`
	Image             *Image  `json:"image,omitempty" yaml:"image"`
	InitialBuySOL     float64 `json:"initial_buy_sol" yaml:"initial_buy_sol" validate:"gte=0,lte=85"`
	PostingFrequency  string  `json:"posting_frequency" yaml:"posting_frequency" validate:"oneof=daily_1 daily_2 weekly_3"`
	TargetCommunity   string  `json:"target_community,omitempty" yaml:"target_community" validate:"max=100"`
	AllowTokenMention bool    `json:"allow_token_mention" yaml:"allow_token_mention"`
}

// Normalize trims free text, upper-cases the symbol and fills the posting frequency default.
func (r LaunchRequest) Normalize() LaunchRequest {
	r.AgentName = strings.TrimSpace(r.AgentName)
	r.Bio = strings.TrimSpace(r.Bio)
	r.Personality = strings.TrimSpace(r.Personality)
	r.TokenName = strings.TrimSpace(r.TokenName)
	r.TokenSymbol = strings.ToUpper(strings.TrimSpace(r.TokenSymbol))
	r.TokenDescription = strings.TrimSpace(r.TokenDescription)
	r.WebsiteURL = strings.TrimSpace(r.WebsiteURL)
	r.XURL = strings.TrimSpace(r.XURL)
	r.TelegramURL = strings.TrimSpace(r.TelegramURL)
	r.TargetCommunity = strings.TrimSpace(r.TargetCommunity)
	if r.PostingFrequency == "" {
		r.PostingFrequency = PostingDaily1
	}
	return r
}

// Validate enforces the launch request invariants.
func (r LaunchRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return err
	}
	return ValidateImage(r.Image, "image")
}

// Description returns the token description, defaulting to "{name} ({symbol}) token".
func (r LaunchRequest) Description() string {
	if strings.TrimSpace(r.TokenDescription) != "" {
		return r.TokenDescription
	}
	return fmt.Sprintf("%s (%s) token", r.TokenName, r.TokenSymbol)
}

// MetadataRequest is the multipart payload sent to the metadata pinning service.
type MetadataRequest struct {
	Image       *Image
	Name        string
	Symbol      string
	Description string
	Twitter     string
	Telegram    string
	Website     string
}

// CreateTxRequest asks the transaction builder for an unsigned token creation transaction.
type CreateTxRequest struct {
	PublicKey        string  `json:"publicKey" validate:"required,pubkey"`
	MintPublicKey    string  `json:"mintPublicKey" validate:"required,pubkey"`
	TokenName        string  `json:"tokenName" validate:"required,min=1,max=100"`
	TokenSymbol      string  `json:"tokenSymbol" validate:"required,token_symbol"`
	MetadataURI      string  `json:"metadataUri" validate:"required,min=1,max=500"`
	InitialBuyAmount float64 `json:"initialBuyAmount" validate:"gte=0,lte=85"`
}

// RegisterAgentRequest asks the identity service to register an agent.
type RegisterAgentRequest struct {
	Name        string `json:"name" validate:"required,min=1,max=100"`
	Description string `json:"description" validate:"required,min=1,max=2000"`
}

// FinalizeRequest persists a launch. A non-empty LaunchID updates the existing record owned
// by CreatorWallet instead of inserting.
type FinalizeRequest struct {
	LaunchID                 string `json:"launchId,omitempty" validate:"max=50"`
	CreatorWallet            string `json:"creatorWallet" validate:"required,pubkey"`
	AgentName                string `json:"agentName" validate:"required,min=1,max=100"`
	Personality              string `json:"personality" validate:"required,min=1,max=500"`
	Bio                      string `json:"bio,omitempty" validate:"max=120"`
	PostingFrequency         string `json:"postingFrequency,omitempty" validate:"omitempty,oneof=daily_1 daily_2 weekly_3"`
	TargetCommunity          string `json:"targetCommunity,omitempty" validate:"max=100"`
	AllowTokenMention        *bool  `json:"allowTokenMention,omitempty"`
	TokenName                string `json:"tokenName" validate:"required,min=1,max=100"`
	TokenSymbol              string `json:"tokenSymbol" validate:"required,min=1,max=10,alphanum"`
	ImageURL                 string `json:"imageUrl,omitempty" validate:"omitempty,max=500,url"`
	WebsiteURL               string `json:"websiteUrl,omitempty" validate:"omitempty,max=500,url"`
	XURL                     string `json:"xUrl,omitempty" validate:"omitempty,max=500,url"`
	TelegramURL              string `json:"telegramUrl,omitempty" validate:"omitempty,max=500,url"`
	Mint                     string `json:"mint" validate:"required,pubkey"`
	TradingURL               string `json:"tradingUrl,omitempty" validate:"omitempty,max=500,url"`
	TxSignature              string `json:"txSignature" validate:"required,min=64,max=128,base58"`
	IdentityAPIKey           string `json:"identityApiKey,omitempty" validate:"max=200"`
	IdentityClaimURL         string `json:"identityClaimUrl,omitempty" validate:"omitempty,max=500,url"`
	IdentityVerificationCode string `json:"identityVerificationCode,omitempty" validate:"max=50"`
	Status                   string `json:"status" validate:"required,oneof=draft launched agent_registered failed_partial"`
}

// Validate checks the finalize payload shape.
func (r FinalizeRequest) Validate() error {
	return validate.Struct(r)
}
