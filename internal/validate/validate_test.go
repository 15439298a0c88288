package validate

import (
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name   string `json:"name" validate:"required,max=5"`
	Symbol string `json:"symbol" validate:"token_symbol"`
	Wallet string `json:"wallet" validate:"pubkey"`
	Tx     string `json:"tx" validate:"base58"`
}

func TestStructAcceptsValidPayload(t *testing.T) {
	err := Struct(sample{
		Name:   "Bot",
		Symbol: "BOT1",
		Wallet: "11111111111111111111111111111111",
		Tx:     "3yZe7d",
	})
	assert.NoError(t, err)
}

func TestStructReportsCustomRules(t *testing.T) {
	err := Struct(sample{Name: "toolong", Symbol: "bot", Wallet: "0xabc", Tx: "0OIl"})
	require.Error(t, err)
	var verr *Error
	require.ErrorAs(t, err, &verr)

	got := map[string]string{}
	for _, f := range verr.Fields {
		got[f.Field] = f.Message
	}
	assert.Equal(t, map[string]string{
		"name":   "name must be at most 5 characters",
		"symbol": "symbol must be 1-10 uppercase letters or digits",
		"wallet": "wallet must be a valid base58 public key",
		"tx":     "tx must be base58 encoded",
	}, got)
}

func TestRegisterRulesReturnsFailure(t *testing.T) {
	v := validator.New()
	err := registerRules(v, map[string]validator.Func{"": func(validator.FieldLevel) bool { return true }})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `register ""`)
}

func TestDefaultRulesRegister(t *testing.T) {
	assert.NoError(t, registerRules(validator.New(), rules()))
	assert.NotPanics(t, func() { get() })
}

func TestHelpers(t *testing.T) {
	assert.True(t, TokenSymbol("ABC123"))
	assert.False(t, TokenSymbol("ABCDEFGHIJK"))
	assert.True(t, PublicKey("So11111111111111111111111111111111111111112"))
	assert.False(t, PublicKey("short"))
}
