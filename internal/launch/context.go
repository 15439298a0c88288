package launch

import (
	"launchpad/internal/domain"
	"launchpad/internal/solana"
)

// Context accumulates the outputs of completed steps for one launch attempt. Each step only
// adds or replaces its own fields, so a retry can resume from any failed step.
type Context struct {
	Request domain.LaunchRequest

	ImageURL      string
	MetadataURI   string
	Mint          *solana.Keypair
	MintAddress   string
	SerializedTx  []byte
	TxSignature   string
	TradingURL    string
	Identity      *domain.IdentityRegistration
	LaunchID      string
	CreatorWallet string
}

// identityRegistered reports whether credentials were already obtained in this attempt.
func (c *Context) identityRegistered() bool {
	return c.Identity != nil && c.Identity.Success && c.Identity.APIKey != ""
}

// contextFromLaunch rebuilds a context for a persisted launch so only identity registration
// and the follow-up update need to run.
func contextFromLaunch(l domain.Launch) *Context {
	deref := func(p *string) string {
		if p == nil {
			return ""
		}
		return *p
	}
	return &Context{
		Request: domain.LaunchRequest{
			AgentName:         l.AgentName,
			Bio:               deref(l.Bio),
			Personality:       l.Personality,
			TokenName:         l.TokenName,
			TokenSymbol:       l.TokenSymbol,
			WebsiteURL:        deref(l.WebsiteURL),
			XURL:              deref(l.XURL),
			TelegramURL:       deref(l.TelegramURL),
			PostingFrequency:  l.PostingFrequency,
			TargetCommunity:   deref(l.TargetCommunity),
			AllowTokenMention: l.AllowTokenMention,
		},
		ImageURL:      deref(l.ImageURL),
		MintAddress:   deref(l.Mint),
		TxSignature:   deref(l.TxSignature),
		TradingURL:    deref(l.TradingURL),
		LaunchID:      l.ID,
		CreatorWallet: l.CreatorWallet,
	}
}
