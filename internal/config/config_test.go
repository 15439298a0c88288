package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/v1", cfg.Server.BasePath)
	assert.Equal(t, 60*time.Second, cfg.Ledger.ConfirmTimeout)
	assert.Equal(t, time.Second, cfg.Identity.BaseBackoff)
	assert.Equal(t, 5, cfg.Identity.MaxNameAttempts)
	assert.Equal(t, "https://pump.fun/coin/", cfg.Launch.TradingURLBase)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
ledger:
  rpc_url: https://rpc.example.com
  confirm_timeout: 90s
launch:
  contract_address: 4k3Dyjzvzp8eMZWUXbBCjEvwSkkk59S5iCNLY3QrkX6R
webhooks:
  - id: ops
    url: https://hooks.example.com/launch
    events: [success]
`))
	require.NoError(t, err)
	assert.Equal(t, "https://rpc.example.com", cfg.Ledger.RPCURL)
	assert.Equal(t, 90*time.Second, cfg.Ledger.ConfirmTimeout)
	assert.Equal(t, 2*time.Second, cfg.Ledger.PollInterval)
	assert.Equal(t, "confirmed", cfg.Ledger.Commitment)
	assert.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, "4k3Dyjzvzp8eMZWUXbBCjEvwSkkk59S5iCNLY3QrkX6R", cfg.Launch.ContractAddress)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"commitment":   "ledger:\n  commitment: eventual\n",
		"backend url":  "backend:\n  url: not-a-url\n",
		"bucket":       "storage:\n  url: https://x.supabase.co\n  bucket: \"\"\n",
		"webhook id":   "webhooks:\n  - url: https://hooks.example.com\n",
		"webhook dup":  "webhooks:\n  - id: a\n    url: https://h.example.com\n  - id: a\n    url: https://h.example.com\n",
		"name retries": "identity:\n  max_name_attempts: 0\n",
		"log level":    "log:\n  level: chatty\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptionalAndLoad(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(dir)
	assert.ErrorContains(t, err, "not found")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "launchpad.yml"), []byte(GenerateDefault()), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "pump", cfg.Upstream.Pool)
}
