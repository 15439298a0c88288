// Package identity registers launch agents with the external identity service.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"launchpad/internal/domain"
)

const (
	DefaultMaxNameAttempts = 5
	DefaultMaxRetries      = 3
	DefaultBaseBackoff     = time.Second
	DefaultURL             = "https://www.moltbook.com/api/v1/agents/register"
)

// Recorder receives one observation per HTTP attempt; outcome is "success", "conflict",
// "transient", or "failure".
type Recorder interface {
	ObserveIdentityAttempt(outcome string)
}

// Registrar registers agents, retrying name conflicts with a random suffix and transient upstream
// failures with exponential backoff. Every failure is returned as a soft failure value.
type Registrar struct {
	URL             string
	HTTPClient      *http.Client
	UserAgent       string
	MaxNameAttempts int
	MaxRetries      int
	BaseBackoff     time.Duration
	Logger          *zap.Logger
	Recorder        Recorder

	// Sleep waits between transient retries; tests replace it to record the schedule.
	Sleep func(ctx context.Context, d time.Duration) error
	// Suffix returns the string appended to the base name after a conflict.
	Suffix func() string
}

// New returns a Registrar with the default attempt limits.
func New(url string, client *http.Client, logger *zap.Logger) *Registrar {
	if url == "" {
		url = DefaultURL
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registrar{
		URL:             url,
		HTTPClient:      client,
		UserAgent:       "launchpad/1.0",
		MaxNameAttempts: DefaultMaxNameAttempts,
		MaxRetries:      DefaultMaxRetries,
		BaseBackoff:     DefaultBaseBackoff,
		Logger:          logger,
	}
}

// RegisterAgent registers name, falling back to suffixed names on conflict. The returned error is
// non-nil only when ctx ends; upstream failures come back as IdentityRegistration{Success: false}.
func (r *Registrar) RegisterAgent(ctx context.Context, name, description string) (domain.IdentityRegistration, error) {
	maxNames := r.MaxNameAttempts
	if maxNames <= 0 {
		maxNames = DefaultMaxNameAttempts
	}
	var (
		attempts   []string
		lastStatus int
		lastBody   string
	)
	for i := 0; i < maxNames; i++ {
		candidate := name
		if i > 0 {
			candidate = r.variant(name, attempts)
		}
		attempts = append(attempts, candidate)
		r.logger().Info("registering agent",
			zap.String("name", candidate),
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", maxNames))

		status, body, err := r.post(ctx, candidate, description)
		if err != nil {
			if ctx.Err() != nil {
				return domain.IdentityRegistration{}, ctx.Err()
			}
			r.record("failure")
			return domain.IdentityRegistration{
				Success:  false,
				Error:    err.Error(),
				Attempts: attempts,
			}, nil
		}
		lastStatus, lastBody = status, string(body)

		if !gjson.ValidBytes(body) {
			r.record("failure")
			return domain.IdentityRegistration{
				Success:     false,
				Error:       "Invalid response from identity service",
				ErrorStatus: status,
				ErrorBody:   lastBody,
				Attempts:    attempts,
			}, nil
		}
		parsed := gjson.ParseBytes(body)
		errMsg := parsed.Get("error").String()

		if status == http.StatusConflict || strings.Contains(strings.ToLower(errMsg), "name") {
			r.record("conflict")
			r.logger().Info("agent name taken", zap.String("name", candidate), zap.Int("status", status))
			continue
		}

		ok := status >= 200 && status < 300
		if ok {
			creds := parsed.Get("agent")
			if !creds.Get("api_key").Exists() || creds.Get("api_key").String() == "" {
				creds = parsed
			}
			if key := creds.Get("api_key").String(); key != "" {
				r.record("success")
				return domain.IdentityRegistration{
					Success:          true,
					Name:             candidate,
					APIKey:           key,
					ClaimURL:         creds.Get("claim_url").String(),
					VerificationCode: creds.Get("verification_code").String(),
					Attempts:         attempts,
				}, nil
			}
		}

		if errMsg == "" {
			errMsg = parsed.Get("message").String()
		}
		if errMsg == "" {
			errMsg = "HTTP " + strconv.Itoa(status)
		}
		r.record("failure")
		r.logger().Warn("agent registration failed", zap.String("name", candidate), zap.Int("status", status), zap.String("error", errMsg))
		return domain.IdentityRegistration{
			Success:     false,
			Error:       errMsg,
			ErrorStatus: status,
			ErrorBody:   lastBody,
			Attempts:    attempts,
		}, nil
	}

	return domain.IdentityRegistration{
		Success:     false,
		Error:       fmt.Sprintf("Name conflict after %d attempts", maxNames),
		ErrorStatus: lastStatus,
		ErrorBody:   lastBody,
		Attempts:    attempts,
	}, nil
}

// post sends one registration, retrying 429, 5xx and network errors. The last response is
// returned as-is once retries run out.
func (r *Registrar) post(ctx context.Context, name, description string) (int, []byte, error) {
	payload, err := json.Marshal(map[string]string{"name": name, "description": description})
	if err != nil {
		return 0, nil, err
	}
	maxRetries := r.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	base := r.BaseBackoff
	if base <= 0 {
		base = DefaultBaseBackoff
	}

	for attempt := 0; ; attempt++ {
		status, body, err := r.send(ctx, payload)
		transient := err != nil || status == http.StatusTooManyRequests || status >= 500
		if !transient || attempt >= maxRetries-1 || ctx.Err() != nil {
			return status, body, err
		}
		r.record("transient")
		wait := base * time.Duration(1<<attempt)
		fields := []zap.Field{zap.String("name", name), zap.Duration("wait", wait), zap.Int("status", status)}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		r.logger().Info("identity service unavailable, backing off", fields...)
		if err := r.sleep(ctx, wait); err != nil {
			return 0, nil, err
		}
	}
}

func (r *Registrar) send(ctx context.Context, payload []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if r.UserAgent != "" {
		req.Header.Set("User-Agent", r.UserAgent)
	}
	client := r.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

func (r *Registrar) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// maxSuffixDraws bounds how often variant redraws a suffix that produced an already tried name.
const maxSuffixDraws = 16

// variant returns a suffixed name not in tried. Suffixes drawn in the same millisecond share their
// timestamp part, so a repeat is redrawn.
func (r *Registrar) variant(name string, tried []string) string {
	candidate := name + r.suffix()
	for n := 1; n < maxSuffixDraws && slices.Contains(tried, candidate); n++ {
		candidate = name + r.suffix()
	}
	return candidate
}

func (r *Registrar) suffix() string {
	if r.Suffix != nil {
		return r.Suffix()
	}
	return NameSuffix(time.Now())
}

func (r *Registrar) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func (r *Registrar) record(outcome string) {
	if r.Recorder != nil {
		r.Recorder.ObserveIdentityAttempt(outcome)
	}
}

// NameSuffix returns "-" followed by the last four base36 digits of now in milliseconds and two
// random base36 digits.
func NameSuffix(now time.Time) string {
	ts := strconv.FormatInt(now.UnixMilli(), 36)
	if len(ts) > 4 {
		ts = ts[len(ts)-4:]
	}
	const digits = "0123456789abcdefghijklmnopqrstuvwxyz"
	return "-" + ts + string(digits[rand.Intn(36)]) + string(digits[rand.Intn(36)])
}
