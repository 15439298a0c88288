package solana

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrRPCForbidden means the RPC endpoint refused the request (HTTP 403).
	ErrRPCForbidden = errors.New("rpc access forbidden")
	// ErrBlockhashExpired means the transaction's recent blockhash is no longer valid.
	ErrBlockhashExpired = errors.New("blockhash expired")
	// ErrConfirmTimeout means the signature did not reach the commitment in time.
	ErrConfirmTimeout = errors.New("confirmation timed out")
)

// Commitment levels in increasing order of finality.
const (
	CommitmentProcessed = "processed"
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"
)

func commitmentRank(c string) int {
	switch c {
	case CommitmentProcessed:
		return 1
	case CommitmentConfirmed:
		return 2
	case CommitmentFinalized:
		return 3
	default:
		return 0
	}
}

// RPCError is a transport or JSON-RPC level failure.
type RPCError struct {
	Method     string
	HTTPStatus int
	Code       int
	Message    string
}

func (e *RPCError) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("rpc %s: http %d: %s", e.Method, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("rpc %s: code %d: %s", e.Method, e.Code, e.Message)
}

func (e *RPCError) Is(target error) bool {
	switch target {
	case ErrRPCForbidden:
		return e.HTTPStatus == http.StatusForbidden
	case ErrBlockhashExpired:
		return isBlockhashMessage(e.Message)
	}
	return false
}

// TransactionError is an on-chain execution failure reported by simulation or status.
type TransactionError struct {
	Err  string
	Logs []string
}

func (e *TransactionError) Error() string {
	if len(e.Logs) > 0 {
		return fmt.Sprintf("transaction failed: %s (last log: %s)", e.Err, e.Logs[len(e.Logs)-1])
	}
	return "transaction failed: " + e.Err
}

func (e *TransactionError) Is(target error) bool {
	return target == ErrBlockhashExpired && isBlockhashMessage(e.Err)
}

func isBlockhashMessage(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "blockhash not found") ||
		strings.Contains(m, "blockhashnotfound") ||
		strings.Contains(m, "block height exceeded") ||
		strings.Contains(m, "blockhash expired")
}

// SignatureStatus is one entry of getSignatureStatuses.
type SignatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

// Failed reports whether the status carries an execution error.
func (s SignatureStatus) Failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

// Reached reports whether the status satisfies commitment.
func (s SignatureStatus) Reached(commitment string) bool {
	return commitmentRank(s.ConfirmationStatus) >= commitmentRank(commitment)
}

// RPCClient talks JSON-RPC to a ledger node.
type RPCClient struct {
	URL            string
	HTTPClient     *http.Client
	Limiter        *rate.Limiter
	Commitment     string
	PollInterval   time.Duration
	ConfirmTimeout time.Duration

	nextID atomic.Int64
}

// NewRPCClient returns a client with confirmed commitment and a client-side rate limit of rps
// requests per second (0 disables the limit).
func NewRPCClient(url string, rps float64) *RPCClient {
	c := &RPCClient{
		URL:            url,
		HTTPClient:     &http.Client{Timeout: 30 * time.Second},
		Commitment:     CommitmentConfirmed,
		PollInterval:   time.Second,
		ConfirmTimeout: 60 * time.Second,
	}
	if rps > 0 {
		c.Limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return c
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *RPCClient) commitment() string {
	if c.Commitment == "" {
		return CommitmentConfirmed
	}
	return c.Commitment
}

func (c *RPCClient) call(ctx context.Context, method string, params []any, out any) error {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		if resp.StatusCode == http.StatusForbidden {
			msg = "access forbidden (403): " + msg
		}
		return &RPCError{Method: method, HTTPStatus: resp.StatusCode, Message: msg}
	}
	var decoded rpcResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return fmt.Errorf("rpc %s: decode response: %w", method, err)
	}
	if decoded.Error != nil {
		return &RPCError{Method: method, Code: decoded.Error.Code, Message: decoded.Error.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, out); err != nil {
		return fmt.Errorf("rpc %s: decode result: %w", method, err)
	}
	return nil
}

// SimulateTransaction dry-runs raw without signature verification, substituting a fresh blockhash.
func (c *RPCClient) SimulateTransaction(ctx context.Context, raw []byte) error {
	var result struct {
		Value struct {
			Err  json.RawMessage `json:"err"`
			Logs []string        `json:"logs"`
		} `json:"value"`
	}
	params := []any{
		base64.StdEncoding.EncodeToString(raw),
		map[string]any{
			"encoding":               "base64",
			"sigVerify":              false,
			"replaceRecentBlockhash": true,
			"commitment":             c.commitment(),
		},
	}
	if err := c.call(ctx, "simulateTransaction", params, &result); err != nil {
		return err
	}
	if len(result.Value.Err) > 0 && string(result.Value.Err) != "null" {
		return &TransactionError{Err: string(result.Value.Err), Logs: result.Value.Logs}
	}
	return nil
}

// SendTransaction submits a fully signed transaction and returns its signature.
func (c *RPCClient) SendTransaction(ctx context.Context, raw []byte) (string, error) {
	var sig string
	params := []any{
		base64.StdEncoding.EncodeToString(raw),
		map[string]any{
			"encoding":            "base64",
			"skipPreflight":       false,
			"preflightCommitment": c.commitment(),
		},
	}
	if err := c.call(ctx, "sendTransaction", params, &sig); err != nil {
		return "", err
	}
	return sig, nil
}

// GetSignatureStatus returns the status of sig, or nil when the node has not seen it.
func (c *RPCClient) GetSignatureStatus(ctx context.Context, sig string) (*SignatureStatus, error) {
	var result struct {
		Value []*SignatureStatus `json:"value"`
	}
	params := []any{[]string{sig}, map[string]any{"searchTransactionHistory": true}}
	if err := c.call(ctx, "getSignatureStatuses", params, &result); err != nil {
		return nil, err
	}
	if len(result.Value) == 0 {
		return nil, nil
	}
	return result.Value[0], nil
}

// ConfirmTransaction polls until sig reaches the client's commitment, fails on chain, or
// ConfirmTimeout elapses.
func (c *RPCClient) ConfirmTransaction(ctx context.Context, sig string) error {
	timeout := c.ConfirmTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	interval := c.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status, err := c.GetSignatureStatus(ctx, sig)
		if err != nil && ctx.Err() == nil {
			return err
		}
		if status != nil {
			if status.Failed() {
				return &TransactionError{Err: string(status.Err)}
			}
			if status.Reached(c.commitment()) {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s", ErrConfirmTimeout, sig)
		case <-ticker.C:
		}
	}
}
