package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"holon/internal/config"
	"holon/internal/engine"
	"holon/internal/ledger"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// DefaultWebhookEvents are delivered to hooks that list no events.
var DefaultWebhookEvents = []string{
	string(ledger.EventHumanReviewRequested),
	string(ledger.EventHumanReviewDecision),
}

// WebhookDispatcher posts new ledger events to the configured hooks in batches.
// Each hook keeps its own cursor, starting at the ledger head when the
// dispatcher is created.
type WebhookDispatcher struct {
	ledger   *ledger.Ledger
	project  string
	webhooks []config.Webhook
	client   *http.Client
	log      *zap.Logger

	mu      sync.Mutex
	cursors map[int]int64
}

func NewWebhookDispatcher(e *engine.Engine, log *zap.Logger) *WebhookDispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	d := &WebhookDispatcher{
		ledger:   e.Ledger,
		project:  e.Config.Project.ID,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		log:      log.Named("webhook"),
		cursors:  make(map[int]int64),
	}
	head := e.Ledger.LastSeq()
	for i := range d.webhooks {
		d.cursors[i] = head
	}
	return d
}

// StartWebhooks runs a dispatcher until ctx is done. It returns nil when no
// hooks are configured.
func StartWebhooks(ctx context.Context, e *engine.Engine, log *zap.Logger) *WebhookDispatcher {
	if e == nil || e.Config == nil || len(e.Config.Webhooks) == 0 {
		return nil
	}
	d := NewWebhookDispatcher(e, log)
	go d.Run(ctx, defaultWebhookInterval)
	return d
}

func (d *WebhookDispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll delivers one batch per enabled hook.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.Webhook) {
	cursor := d.cursor(idx)
	events := d.ledger.Since(cursor, defaultWebhookBatch)
	if len(events) == 0 {
		return
	}
	filter := newEventFilter(hook.Events)
	batch := make([]EventResponse, 0, len(events))
	for _, ev := range events {
		if filter.match(string(ev.Type)) {
			batch = append(batch, eventResponse(ev))
		}
	}
	last := events[len(events)-1].Seq
	if len(batch) == 0 {
		d.setCursor(idx, last)
		return
	}
	if err := d.post(ctx, hook, batch); err != nil {
		d.log.Warn("webhook delivery failed", zap.String("url", hook.URL), zap.Int64("cursor", cursor), zap.Error(err))
		return
	}
	d.log.Debug("webhook delivered", zap.String("url", hook.URL), zap.Int("events", len(batch)), zap.Int64("cursor", last))
	d.setCursor(idx, last)
}

func (d *WebhookDispatcher) cursor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursors[idx]
}

func (d *WebhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

// WebhookBatch is the body posted to a hook.
type WebhookBatch struct {
	ProjectID string          `json:"project_id"`
	Events    []EventResponse `json:"events"`
}

func (d *WebhookDispatcher) post(ctx context.Context, hook config.Webhook, batch []EventResponse) error {
	data, err := json.Marshal(WebhookBatch{ProjectID: d.project, Events: batch})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Holon-Delivery", fmt.Sprintf("%d-%d", batch[0].Seq, batch[len(batch)-1].Seq))
	req.Header.Set("X-Holon-Project", d.project)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Holon-Secret", hook.Secret)
	}
	res, err := d.client.Do(req)
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
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		for _, evt := range DefaultWebhookEvents {
			set[evt] = struct{}{}
		}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if _, ok := f.set["*"]; ok {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
