package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"launchpad/internal/domain"
)

func TestUploadImage(t *testing.T) {
	var gotPath, gotType, gotKey string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		gotKey = r.Header.Get("apikey")
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"Key":"token-images/x.png"}`))
	}))
	defer srv.Close()

	b := New(srv.URL+"/", "anon", "token-images", srv.Client())
	b.NewName = func() string { return "fixed" }
	url, err := b.UploadImage(context.Background(), domain.Image{Name: "logo.PNG", ContentType: "image/png", Data: []byte("img")})
	require.NoError(t, err)
	assert.Equal(t, "/storage/v1/object/token-images/fixed.png", gotPath)
	assert.Equal(t, "image/png", gotType)
	assert.Equal(t, "anon", gotKey)
	assert.Equal(t, []byte("img"), gotBody)
	assert.Equal(t, srv.URL+"/storage/v1/object/public/token-images/fixed.png", url)
}

func TestUploadImageFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"new row violates row-level security policy"}`))
	}))
	defer srv.Close()

	b := New(srv.URL, "anon", "token-images", srv.Client())
	_, err := b.UploadImage(context.Background(), domain.Image{Name: "a.gif", ContentType: "image/gif", Data: []byte("x")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row-level security")
}

func TestUploadImageUnconfigured(t *testing.T) {
	_, err := (&Bucket{}).UploadImage(context.Background(), domain.Image{Data: []byte("x")})
	assert.Error(t, err)
}
