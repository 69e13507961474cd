package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"rconbridge-go/internal/events"
)

// WebhookDeliverer posts alerts as JSON to an incoming-webhook URL per channel.
type WebhookDeliverer struct {
	mu     sync.RWMutex
	urls   map[ChannelRef]string
	Client *http.Client
}

// webhookPayload carries a chat-style text line plus the structured alert.
type webhookPayload struct {
	Text    string     `json:"text"`
	Channel ChannelRef `json:"channel"`
	Alert   Alert      `json:"alert"`
}

// NewWebhookDeliverer creates a deliverer for the given channel→URL map.
func NewWebhookDeliverer(urls map[string]string) *WebhookDeliverer {
	w := &WebhookDeliverer{
		urls: make(map[ChannelRef]string, len(urls)),
		Client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for ref, url := range urls {
		w.urls[ChannelRef(ref)] = url
	}
	return w
}

// SetURL registers or replaces a channel's URL.
func (w *WebhookDeliverer) SetURL(ref ChannelRef, url string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.urls[ref] = url
}

// Has reports whether ref has a webhook.
func (w *WebhookDeliverer) Has(ref ChannelRef) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.urls[ref]
	return ok
}

// Deliver implements Deliverer.
func (w *WebhookDeliverer) Deliver(ctx context.Context, ref ChannelRef, alert Alert) error {
	w.mu.RLock()
	url, ok := w.urls[ref]
	w.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, ref)
	}

	body, err := json.Marshal(webhookPayload{Text: alert.Message(), Channel: ref, Alert: alert})
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: create request: %w", ErrDeliveryFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: HTTP %d %s", ErrDeliveryFailed, resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return nil
}

// BusDeliverer publishes alerts as alert_raised events.
type BusDeliverer struct {
	bus *events.Bus
}

// NewBusDeliverer creates a deliverer publishing on bus.
func NewBusDeliverer(bus *events.Bus) *BusDeliverer {
	return &BusDeliverer{bus: bus}
}

// Deliver implements Deliverer.
func (b *BusDeliverer) Deliver(_ context.Context, ref ChannelRef, alert Alert) error {
	if b.bus == nil || b.bus.IsClosed() {
		return fmt.Errorf("%w: event bus closed", ErrDeliveryFailed)
	}
	b.bus.Publish(events.Event{
		Type:       events.AlertRaised,
		ServerName: alert.ServerTag,
		OldState:   string(alert.FromState),
		NewState:   string(alert.ToState),
		Timestamp:  alert.Timestamp,
		Data: map[string]interface{}{
			"id":      alert.ID,
			"kind":    string(alert.Kind),
			"channel": string(ref),
			"message": alert.Message(),
		},
	})
	return nil
}

// MultiDeliverer delivers to every member and joins their errors.
type MultiDeliverer []Deliverer

// Deliver implements Deliverer.
func (m MultiDeliverer) Deliver(ctx context.Context, ref ChannelRef, alert Alert) error {
	var errs []error
	for _, d := range m {
		if d == nil {
			continue
		}
		if err := d.Deliver(ctx, ref, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FromConfig builds the deliverer chain for the alerts section: webhooks
// when any are configured, plus the event bus when publish_events is on.
func FromConfig(webhooks map[string]string, publishEvents bool, bus *events.Bus) Deliverer {
	var out MultiDeliverer
	if len(webhooks) > 0 {
		out = append(out, NewWebhookDeliverer(webhooks))
	}
	if publishEvents && bus != nil {
		out = append(out, NewBusDeliverer(bus))
	}
	return out
}
