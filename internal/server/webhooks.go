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

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"deptrack/internal/config"
	"deptrack/internal/domain"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// EventSource is the part of the store the dispatcher reads.
type EventSource interface {
	EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

type hookState struct {
	cfg     config.WebhookConfig
	filter  eventFilter
	breaker *gobreaker.CircuitBreaker
	client  *http.Client
	cursor  int64
	primed  bool
}

// Dispatcher tails the event log and POSTs new events to configured webhooks.
// Each hook has its own cursor and circuit breaker; a failing hook is retried
// from the same event on the next tick and never blocks the others.
type Dispatcher struct {
	events   EventSource
	log      *zap.Logger
	interval time.Duration
	hooks    []*hookState

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher returns nil when no enabled webhook is configured.
func NewDispatcher(events EventSource, hooks []config.WebhookConfig, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{events: events, log: log, interval: defaultWebhookInterval, stopCh: make(chan struct{})}
	for _, h := range hooks {
		if !h.Enabled || strings.TrimSpace(h.URL) == "" {
			continue
		}
		timeout := defaultWebhookTimeout
		if h.TimeoutSeconds > 0 {
			timeout = time.Duration(h.TimeoutSeconds) * time.Second
		}
		d.hooks = append(d.hooks, &hookState{
			cfg:     h,
			filter:  newEventFilter(h.Events),
			client:  &http.Client{Timeout: timeout},
			breaker: newHookBreaker(h.URL, log),
		})
	}
	if len(d.hooks) == 0 {
		return nil
	}
	return d
}

func newHookBreaker(url string, log *zap.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "webhook " + url,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("webhook circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

// Start begins the background delivery loop.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.run()
	d.log.Info("webhook dispatcher started", zap.Int("hooks", len(d.hooks)), zap.Duration("interval", d.interval))
}

// Stop signals the loop to stop and waits for the in-flight round.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
	d.log.Info("webhook dispatcher stopped")
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(context.Background())
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) dispatchAll(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, h := range d.hooks {
		d.dispatchHook(ctx, h)
	}
}

func (d *Dispatcher) dispatchHook(ctx context.Context, h *hookState) {
	if !h.primed {
		cur, err := d.events.LatestEventID(ctx)
		if err != nil {
			d.log.Error("webhook: init cursor failed", zap.String("url", h.cfg.URL), zap.Error(err))
			return
		}
		h.cursor, h.primed = cur, true
	}
	events, err := d.events.EventsAfter(ctx, defaultWebhookBatch, h.cursor)
	if err != nil {
		d.log.Error("webhook: fetch events failed", zap.Error(err))
		return
	}
	for _, evt := range events {
		if !h.filter.match(evt.Type) {
			h.cursor = evt.ID
			continue
		}
		_, err := h.breaker.Execute(func() (interface{}, error) {
			return nil, postEvent(ctx, h.client, h.cfg, evt)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				d.log.Debug("webhook: breaker open, delivery deferred", zap.String("url", h.cfg.URL), zap.Int64("event_id", evt.ID))
			} else {
				d.log.Warn("webhook: delivery failed",
					zap.String("url", h.cfg.URL),
					zap.Int64("event_id", evt.ID),
					zap.String("type", evt.Type),
					zap.Error(err))
			}
			return
		}
		h.cursor = evt.ID
	}
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func postEvent(ctx context.Context, client *http.Client, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
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
	req.Header.Set("X-Deptrack-Event", evt.Type)
	req.Header.Set("X-Deptrack-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Deptrack-Secret", hook.Secret)
	}
	res, err := client.Do(req)
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

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "*" {
			return eventFilter{all: true}
		}
		if key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
