package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"launchpad/internal/config"
	"launchpad/internal/domain"
	"launchpad/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// DeliveryRecorder counts webhook deliveries.
type DeliveryRecorder interface {
	ObserveWebhookDelivery(ok bool)
}

// WebhookDispatcher posts launch events to the configured webhooks. Each hook keeps its own
// cursor, so a failing hook is retried from its last delivered event on the next tick.
type WebhookDispatcher struct {
	Repo     repo.Repo
	Webhooks []config.Webhook
	Client   *http.Client
	Logger   *zap.Logger
	Recorder DeliveryRecorder
	Interval time.Duration

	mu      sync.Mutex
	cursors map[string]int64
}

func NewWebhookDispatcher(r repo.Repo, hooks []config.Webhook, logger *zap.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookDispatcher{
		Repo:     r,
		Webhooks: hooks,
		Client:   &http.Client{Timeout: defaultWebhookTimeout},
		Logger:   logger,
		Interval: defaultWebhookInterval,
		cursors:  make(map[string]int64),
	}
}

// Run dispatches until ctx is done. It returns nil on cancellation.
func (d *WebhookDispatcher) Run(ctx context.Context) error {
	if len(d.Webhooks) == 0 {
		<-ctx.Done()
		return nil
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchAll runs one delivery pass over every hook.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for _, hook := range d.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		d.dispatchWebhook(ctx, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, hook config.Webhook) {
	cursor, ok := d.cursorFor(ctx, hook)
	if !ok {
		return
	}
	events, err := d.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			d.Logger.Warn("webhook: fetch events failed", zap.String("hook", hook.ID), zap.Error(err))
		}
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		l, err := d.Repo.GetLaunch(ctx, evt.LaunchID)
		if err != nil {
			d.Logger.Warn("webhook: load launch failed", zap.String("hook", hook.ID), zap.String("launch_id", evt.LaunchID), zap.Error(err))
			return
		}
		if !filter.match(evt.Step, evt.Status, l.Status) {
			d.setCursor(hook.ID, evt.ID)
			continue
		}
		err = d.postEvent(ctx, hook, evt, l)
		d.record(err == nil)
		if err != nil {
			d.Logger.Warn("webhook: delivery failed", zap.String("hook", hook.ID), zap.String("url", hook.URL), zap.Int64("event_id", evt.ID), zap.Error(err))
			return
		}
		d.setCursor(hook.ID, evt.ID)
	}
}

// cursorFor starts a hook at the newest event, so only events appended after startup are sent.
// It reports false when the newest event cannot be read; nothing is stored and the next pass
// tries again.
func (d *WebhookDispatcher) cursorFor(ctx context.Context, hook config.Webhook) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = make(map[string]int64)
	}
	if cur, ok := d.cursors[hook.ID]; ok {
		return cur, true
	}
	cur, err := d.Repo.LatestEventID(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			d.Logger.Warn("webhook: init cursor failed", zap.String("hook", hook.ID), zap.Error(err))
		}
		return 0, false
	}
	d.cursors[hook.ID] = cur
	return cur, true
}

func (d *WebhookDispatcher) setCursor(id string, value int64) {
	d.mu.Lock()
	d.cursors[id] = value
	d.mu.Unlock()
}

func (d *WebhookDispatcher) record(ok bool) {
	if d.Recorder != nil {
		d.Recorder.ObserveWebhookDelivery(ok)
	}
}

type webhookEvent struct {
	ID        int64              `json:"id"`
	LaunchID  string             `json:"launch_id"`
	Step      string             `json:"step"`
	Status    string             `json:"status"`
	Message   string             `json:"message,omitempty"`
	Metadata  map[string]any     `json:"metadata,omitempty"`
	CreatedAt string             `json:"created_at"`
	Launch    webhookLaunchState `json:"launch"`
}

// webhookLaunchState is the launch as sent to receivers; credentials are never included.
type webhookLaunchState struct {
	ID            string  `json:"id"`
	CreatorWallet string  `json:"creator_wallet"`
	AgentName     string  `json:"agent_name"`
	TokenName     string  `json:"token_name"`
	TokenSymbol   string  `json:"token_symbol"`
	Mint          *string `json:"mint,omitempty"`
	TradingURL    *string `json:"trading_url,omitempty"`
	TxSignature   *string `json:"tx_signature,omitempty"`
	Status        string  `json:"status"`
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.Webhook, evt domain.LaunchEvent, l domain.Launch) error {
	body := webhookEvent{
		ID:        evt.ID,
		LaunchID:  evt.LaunchID,
		Step:      evt.Step,
		Status:    evt.Status,
		Message:   evt.Message,
		Metadata:  evt.Metadata,
		CreatedAt: evt.CreatedAt,
		Launch: webhookLaunchState{
			ID:            l.ID,
			CreatorWallet: l.CreatorWallet,
			AgentName:     l.AgentName,
			TokenName:     l.TokenName,
			TokenSymbol:   l.TokenSymbol,
			Mint:          l.Mint,
			TradingURL:    l.TradingURL,
			TxSignature:   l.TxSignature,
			Status:        l.Status,
		},
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Launchpad-Event", evt.Step)
	req.Header.Set("X-Launchpad-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Launchpad-Launch", evt.LaunchID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Launchpad-Secret", hook.Secret)
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

// match reports whether any of keys (event step, event status, launch status) is selected.
func (f eventFilter) match(keys ...string) bool {
	if f.all {
		return true
	}
	for _, k := range keys {
		if _, ok := f.set[k]; ok {
			return true
		}
	}
	return false
}
