package launchpadsdk

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"launchpad/internal/domain"
)

type (
	Launch               = domain.Launch
	LaunchEvent          = domain.LaunchEvent
	IdentityRegistration = domain.IdentityRegistration
	MetadataRequest      = domain.MetadataRequest
	CreateTxRequest      = domain.CreateTxRequest
	FinalizeRequest      = domain.FinalizeRequest
)

// Client is a Launchpad backend API client. It satisfies the uploader, builder, registrar and
// finalizer dependencies of the launch flow.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// APIError wraps non-2xx responses. Code and Message come from the error envelope when present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// ListOptions filters ListLaunches.
type ListOptions struct {
	Creator string
	Status  string
	Mint    string
	Limit   int
}

// Health pings the API.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}

// UploadMetadata sends token metadata and the optional image as a multipart form.
func (c *Client) UploadMetadata(ctx context.Context, req MetadataRequest) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if req.Image != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, req.Image.Name))
		h.Set("Content-Type", req.Image.ContentType)
		part, err := w.CreatePart(h)
		if err != nil {
			return "", err
		}
		if _, err := part.Write(req.Image.Data); err != nil {
			return "", err
		}
	}
	for _, f := range []struct{ name, value string }{
		{"name", req.Name},
		{"symbol", req.Symbol},
		{"description", req.Description},
		{"twitter", req.Twitter},
		{"telegram", req.Telegram},
		{"website", req.Website},
	} {
		if f.value == "" {
			continue
		}
		if err := w.WriteField(f.name, f.value); err != nil {
			return "", err
		}
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	var resp struct {
		Success     bool   `json:"success"`
		MetadataURI string `json:"metadataUri"`
	}
	if err := c.send(ctx, http.MethodPost, "metadata", w.FormDataContentType(), &buf, &resp); err != nil {
		return "", err
	}
	if resp.MetadataURI == "" {
		return "", errors.New("metadata upload returned no metadataUri")
	}
	return resp.MetadataURI, nil
}

// BuildCreateTransaction returns the unsigned wire transaction.
func (c *Client) BuildCreateTransaction(ctx context.Context, req CreateTxRequest) ([]byte, error) {
	var resp struct {
		Success      bool   `json:"success"`
		SerializedTx string `json:"serializedTx"`
	}
	if err := c.do(ctx, http.MethodPost, "transactions/create", req, &resp); err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(resp.SerializedTx)
	if err != nil {
		return nil, fmt.Errorf("decode serializedTx: %w", err)
	}
	return raw, nil
}

// RegisterAgent returns the registration outcome; a failed registration is not an error.
func (c *Client) RegisterAgent(ctx context.Context, name, description string) (IdentityRegistration, error) {
	var resp IdentityRegistration
	err := c.do(ctx, http.MethodPost, "agents/register", map[string]string{"name": name, "description": description}, &resp)
	return resp, err
}

// FinalizeLaunch persists the launch and returns the stored record.
func (c *Client) FinalizeLaunch(ctx context.Context, req FinalizeRequest) (Launch, error) {
	var resp struct {
		Success bool   `json:"success"`
		Launch  Launch `json:"launch"`
	}
	err := c.do(ctx, http.MethodPost, "launches/finalize", req, &resp)
	return resp.Launch, err
}

// GetLaunch fetches one launch.
func (c *Client) GetLaunch(ctx context.Context, id string) (Launch, error) {
	var resp Launch
	err := c.do(ctx, http.MethodGet, "launches/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListLaunches lists launches, newest first.
func (c *Client) ListLaunches(ctx context.Context, opts ListOptions) ([]Launch, error) {
	q := url.Values{}
	if opts.Creator != "" {
		q.Set("creator", opts.Creator)
	}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Mint != "" {
		q.Set("mint", opts.Mint)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	endpoint := "launches"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Launch `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// ListLaunchEvents returns the audit events of a launch, oldest first.
func (c *Client) ListLaunchEvents(ctx context.Context, id string) ([]LaunchEvent, error) {
	var resp struct {
		Items []LaunchEvent `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "launches/"+url.PathEscape(id)+"/events", nil, &resp)
	return resp.Items, err
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	contentType := ""
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		contentType = "application/json"
	}
	return c.send(ctx, method, endpoint, contentType, &buf, out)
}

func (c *Client) send(ctx context.Context, method, endpoint, contentType string, body *bytes.Buffer, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body.Bytes()))
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) error {
	apiErr := &APIError{StatusCode: status, Body: strings.TrimSpace(string(body))}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	}
	return apiErr
}
