// Package pump talks to the token launch venue: the metadata pinning endpoint and the
// transaction builder.
package pump

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"launchpad/internal/domain"
)

const (
	DefaultIPFSURL  = "https://pump.fun/api/ipfs"
	DefaultTradeURL = "https://pumpportal.fun/api/trade-local"

	placeholderPNG = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mP8/x8AAwMB/6X9qZkAAAAASUVORK5CYII="
)

// UpstreamError is a non-2xx answer from the venue.
type UpstreamError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s failed: %d", e.Service, e.StatusCode)
	}
	return fmt.Sprintf("%s failed: %d - %s", e.Service, e.StatusCode, e.Body)
}

// Client holds the venue endpoints and the create-transaction parameters.
type Client struct {
	IPFSURL     string
	TradeURL    string
	HTTPClient  *http.Client
	Slippage    float64
	PriorityFee float64
	Pool        string
	Logger      *zap.Logger
}

// New returns a client with the venue defaults.
func New(client *http.Client, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		IPFSURL:     DefaultIPFSURL,
		TradeURL:    DefaultTradeURL,
		HTTPClient:  client,
		Slippage:    10,
		PriorityFee: 0.0005,
		Pool:        "pump",
		Logger:      logger,
	}
}

// UploadMetadata pins the token metadata and returns its URI. A 1x1 PNG stands in for a missing
// image because the venue requires one.
func (c *Client) UploadMetadata(ctx context.Context, req domain.MetadataRequest) (string, error) {
	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = fmt.Sprintf("%s (%s) token", req.Name, req.Symbol)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	img := req.Image
	if img == nil {
		data, _ := base64.StdEncoding.DecodeString(placeholderPNG)
		img = &domain.Image{
			Name:        strings.ToLower(req.Symbol) + "-placeholder.png",
			ContentType: "image/png",
			Data:        data,
		}
		c.logger().Info("no image provided, using placeholder", zap.String("symbol", req.Symbol))
	}
	if err := writeFile(w, "file", img); err != nil {
		return "", err
	}
	fields := [][2]string{
		{"name", req.Name},
		{"symbol", req.Symbol},
		{"description", description},
		{"twitter", req.Twitter},
		{"telegram", req.Telegram},
		{"website", req.Website},
		{"showName", "true"},
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := w.WriteField(f[0], f[1]); err != nil {
			return "", err
		}
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.IPFSURL, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	body, err := c.do(httpReq, "metadata upload")
	if err != nil {
		return "", err
	}
	uri := gjson.GetBytes(body, "metadataUri").String()
	if uri == "" {
		return "", &UpstreamError{Service: "metadata upload", StatusCode: http.StatusOK, Body: "response has no metadataUri"}
	}
	c.logger().Info("metadata uploaded", zap.String("symbol", req.Symbol), zap.String("metadata_uri", uri))
	return uri, nil
}

type tokenMetadata struct {
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
	URI    string `json:"uri"`
}

type tradeLocalRequest struct {
	PublicKey        string        `json:"publicKey"`
	Action           string        `json:"action"`
	TokenMetadata    tokenMetadata `json:"tokenMetadata"`
	Mint             string        `json:"mint"`
	DenominatedInSol string        `json:"denominatedInSol"`
	Amount           float64       `json:"amount"`
	Slippage         float64       `json:"slippage"`
	PriorityFee      float64       `json:"priorityFee"`
	Pool             string        `json:"pool"`
}

// BuildCreateTransaction asks the builder for the unsigned create transaction and returns its
// raw bytes.
func (c *Client) BuildCreateTransaction(ctx context.Context, req domain.CreateTxRequest) ([]byte, error) {
	payload, err := json.Marshal(tradeLocalRequest{
		PublicKey: req.PublicKey,
		Action:    "create",
		TokenMetadata: tokenMetadata{
			Name:   req.TokenName,
			Symbol: strings.ToUpper(req.TokenSymbol),
			URI:    req.MetadataURI,
		},
		Mint:             req.MintPublicKey,
		DenominatedInSol: "true",
		Amount:           req.InitialBuyAmount,
		Slippage:         c.Slippage,
		PriorityFee:      c.PriorityFee,
		Pool:             c.Pool,
	})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.TradeURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	raw, err := c.do(httpReq, "transaction build")
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, &UpstreamError{Service: "transaction build", StatusCode: http.StatusOK, Body: "empty transaction"}
	}
	c.logger().Info("transaction built", zap.String("mint", req.MintPublicKey), zap.Int("tx_size", len(raw)))
	return raw, nil
}

func (c *Client) do(req *http.Request, service string) ([]byte, error) {
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", service, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", service, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger().Warn("upstream rejected request", zap.String("service", service), zap.Int("status", resp.StatusCode))
		return nil, &UpstreamError{Service: service, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

func (c *Client) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func writeFile(w *multipart.Writer, field string, img *domain.Image) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, escapeQuotes(img.Name)))
	h.Set("Content-Type", img.ContentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = part.Write(img.Data)
	return err
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
