// Package storage uploads token images to a Supabase storage bucket.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"launchpad/internal/domain"
)

// Bucket is one public storage bucket.
type Bucket struct {
	BaseURL    string
	APIKey     string
	Name       string
	HTTPClient *http.Client
	// NewName returns the object name stem; defaults to a random UUID.
	NewName func() string
}

// New returns a bucket client. baseURL is the project URL without the /storage suffix.
func New(baseURL, apiKey, bucket string, client *http.Client) *Bucket {
	return &Bucket{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		Name:       bucket,
		HTTPClient: client,
	}
}

// UploadImage stores img under "<uuid>.<ext>" and returns its public URL.
func (b *Bucket) UploadImage(ctx context.Context, img domain.Image) (string, error) {
	if b.BaseURL == "" || b.Name == "" {
		return "", errors.New("storage is not configured")
	}
	stem := uuid.NewString()
	if b.NewName != nil {
		stem = b.NewName()
	}
	path := stem + "." + img.Extension()
	reqURL := fmt.Sprintf("%s/storage/v1/object/%s/%s", b.BaseURL, b.Name, path)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(img.Data))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	b.setHeaders(req)
	req.Header.Set("Content-Type", img.ContentType)
	req.Header.Set("x-upsert", "false")

	client := b.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		msg := gjson.GetBytes(body, "message").String()
		if msg == "" {
			msg = gjson.GetBytes(body, "error").String()
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return "", fmt.Errorf("upload image: status %d: %s", resp.StatusCode, msg)
	}
	return b.PublicURL(path), nil
}

// PublicURL returns the public URL for an object path.
func (b *Bucket) PublicURL(path string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", b.BaseURL, b.Name, path)
}

func (b *Bucket) setHeaders(req *http.Request) {
	if b.APIKey == "" {
		return
	}
	req.Header.Set("apikey", b.APIKey)
	req.Header.Set("Authorization", "Bearer "+b.APIKey)
}
