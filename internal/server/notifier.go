package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"taskline/internal/config"
	"taskline/internal/domain"
	"taskline/internal/engine"
)

const (
	notifierInterval = 2 * time.Second
	notifierTimeout  = 5 * time.Second
	notifierBatch    = 100
)

// notifier tails the event log and posts new entries to the configured
// endpoints. Failed-goal signals from the sweeper reach external systems this
// way. Delivery is at-least-once per endpoint; a failing endpoint blocks only
// its own cursor.
type notifier struct {
	engine  engine.Engine
	hooks   []config.WebhookConfig
	client  *http.Client
	log     *slog.Logger
	mu      sync.Mutex
	cursors map[int]int64
}

// StartNotifier launches the background delivery loop when any endpoints are
// configured. It stops when ctx is cancelled.
func StartNotifier(ctx context.Context, e engine.Engine, log *slog.Logger) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	if log == nil {
		log = slog.Default()
	}
	n := &notifier{
		engine:  e,
		hooks:   e.Config.Webhooks,
		client:  &http.Client{Timeout: notifierTimeout},
		log:     log,
		cursors: make(map[int]int64),
	}
	go n.run(ctx)
}

func (n *notifier) run(ctx context.Context) {
	ticker := time.NewTicker(notifierInterval)
	defer ticker.Stop()
	for {
		n.deliverAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (n *notifier) deliverAll(ctx context.Context) {
	for i, hook := range n.hooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		n.deliver(ctx, i, hook)
	}
}

func (n *notifier) deliver(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := n.cursorFor(ctx, idx)
	events, err := n.engine.Repo.EventsAfter(ctx, notifierBatch, cursor)
	if err != nil {
		n.log.Warn("notifier: fetch events", "err", err)
		return
	}
	filter := newTypeFilter(hook.Types)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			n.setCursor(idx, evt.ID)
			continue
		}
		if err := n.post(ctx, hook, evt); err != nil {
			n.log.Warn("notifier: deliver", "url", hook.URL, "err", err)
			return
		}
		n.setCursor(idx, evt.ID)
	}
}

// cursorFor starts each endpoint at the current tail so restarts do not
// replay history.
func (n *notifier) cursorFor(ctx context.Context, idx int) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cur, ok := n.cursors[idx]; ok {
		return cur
	}
	cur, err := n.engine.Repo.LatestEventID(ctx)
	if err != nil {
		n.log.Warn("notifier: init cursor", "err", err)
		cur = 0
	}
	n.cursors[idx] = cur
	return cur
}

func (n *notifier) setCursor(idx int, value int64) {
	n.mu.Lock()
	n.cursors[idx] = value
	n.mu.Unlock()
}

type notifierEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	UserID     string          `json:"user_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (n *notifier) post(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(notifierEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		UserID:     evt.UserID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Taskline-Event", evt.Type)
	req.Header.Set("X-Taskline-Delivery", fmt.Sprintf("%d", evt.ID))
	res, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type typeFilter struct {
	all bool
	set map[string]struct{}
}

func newTypeFilter(types []string) typeFilter {
	if len(types) == 0 {
		return typeFilter{all: true}
	}
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		key := strings.TrimSpace(t)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return typeFilter{all: true}
	}
	return typeFilter{set: set}
}

func (f typeFilter) match(t string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[t]
	return ok
}
