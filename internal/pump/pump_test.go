package pump

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"launchpad/internal/domain"
)

func TestUploadMetadataUsesPlaceholder(t *testing.T) {
	var fields map[string]string
	var fileName, fileType string
	var fileSize int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		fields = map[string]string{}
		for k, v := range r.MultipartForm.Value {
			fields[k] = v[0]
		}
		f, hdr, err := r.FormFile("file")
		if assert.NoError(t, err) {
			data, _ := io.ReadAll(f)
			fileName, fileType, fileSize = hdr.Filename, hdr.Header.Get("Content-Type"), len(data)
		}
		_, _ = w.Write([]byte(`{"metadataUri":"ipfs://meta"}`))
	}))
	defer srv.Close()

	c := New(srv.Client(), nil)
	c.IPFSURL = srv.URL
	uri, err := c.UploadMetadata(context.Background(), domain.MetadataRequest{
		Name:    "Moon",
		Symbol:  "MOON",
		Twitter: "https://x.com/moon",
	})
	require.NoError(t, err)
	assert.Equal(t, "ipfs://meta", uri)
	assert.Equal(t, "moon-placeholder.png", fileName)
	assert.Equal(t, "image/png", fileType)
	assert.Greater(t, fileSize, 0)
	assert.Equal(t, "Moon (MOON) token", fields["description"])
	assert.Equal(t, "true", fields["showName"])
	assert.Equal(t, "https://x.com/moon", fields["twitter"])
	_, hasWebsite := fields["website"]
	assert.False(t, hasWebsite)
}

func TestUploadMetadataUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.Client(), nil)
	c.IPFSURL = srv.URL
	_, err := c.UploadMetadata(context.Background(), domain.MetadataRequest{Name: "A", Symbol: "A"})
	var upErr *UpstreamError
	require.True(t, errors.As(err, &upErr))
	assert.Equal(t, http.StatusBadRequest, upErr.StatusCode)
}

func TestBuildCreateTransaction(t *testing.T) {
	var got tradeLocalRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte{1, 2, 3, 4})
	}))
	defer srv.Close()

	c := New(srv.Client(), nil)
	c.TradeURL = srv.URL
	raw, err := c.BuildCreateTransaction(context.Background(), domain.CreateTxRequest{
		PublicKey:        "payer",
		MintPublicKey:    "mint",
		TokenName:        "Moon",
		TokenSymbol:      "moon",
		MetadataURI:      "ipfs://meta",
		InitialBuyAmount: 0.5,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, raw)
	assert.Equal(t, "create", got.Action)
	assert.Equal(t, "MOON", got.TokenMetadata.Symbol)
	assert.Equal(t, "mint", got.Mint)
	assert.Equal(t, "true", got.DenominatedInSol)
	assert.Equal(t, 0.5, got.Amount)
	assert.Equal(t, float64(10), got.Slippage)
	assert.Equal(t, "pump", got.Pool)
}
