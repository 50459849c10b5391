package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/floodwatch/floodwatch/internal/types"
	"github.com/rs/zerolog"
)

// Webhook posts lifecycle events as JSON. The body carries an
// Apprise-compatible title and text alongside the raw event, so it can
// target an Apprise API endpoint or any JSON receiver.
type Webhook struct {
	url    string
	client *http.Client
	log    zerolog.Logger
}

// webhookPayload is the request body
type webhookPayload struct {
	Title  string      `json:"title"`
	Body   string      `json:"body"`
	Type   string      `json:"type"`
	Format string      `json:"format"`
	Event  types.Event `json:"event"`
}

// NewWebhook creates a webhook sink
func NewWebhook(url string, timeout time.Duration, log zerolog.Logger) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: timeout},
		log:    log.With().Str("component", "webhook").Logger(),
	}
}

// Name implements Sink
func (w *Webhook) Name() string { return "webhook" }

// Send implements Sink. Readiness changes are delivered too.
func (w *Webhook) Send(ctx context.Context, ev types.Event) error {
	title, body := FormatEvent(ev)
	data, err := json.Marshal(webhookPayload{
		Title:  title,
		Body:   body,
		Type:   notifyType(ev),
		Format: "text",
		Event:  ev,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	w.log.Debug().
		Uint64("seq", ev.Seq).
		Str("type", string(ev.Type)).
		Int("status", resp.StatusCode).
		Msg("notification sent")
	return nil
}

// FormatEvent renders a short human-readable title and body
func FormatEvent(ev types.Event) (string, string) {
	if ev.Network != nil {
		state := "NOT READY"
		if ev.Network.NetworkReady {
			state = "READY"
		}
		return fmt.Sprintf("Flood network %s", state),
			fmt.Sprintf("Connected peers: %d (minimum %d)", ev.Network.ConnectedPeers, ev.Network.MinPeers)
	}
	if ev.Alert == nil {
		return fmt.Sprintf("Flood event: %s", ev.Type), ""
	}

	a := ev.Alert
	sensor := a.SensorID
	if a.SensorName != "" {
		sensor = fmt.Sprintf("%s (%s)", a.SensorName, a.SensorID)
	}
	title := fmt.Sprintf("Flood alert %s: %s", ev.Type, sensor)
	body := fmt.Sprintf("Severity: %s\nStatus: %s\nMetric: %s\nTrigger value: %.2f\nPeak value: %.2f\nRaised at: %s",
		a.Severity, a.Status, a.Metric, a.TriggerValue, a.PeakValue, a.RaisedAt.Format(time.RFC3339))
	if a.ResolvedAt != nil {
		body += fmt.Sprintf("\nResolved at: %s (%s)", a.ResolvedAt.Format(time.RFC3339), a.Reason)
	}
	if a.Flapping {
		body += "\nSensor is flapping"
	}
	if a.SensorOffline {
		body += "\nSensor is offline"
	}
	return title, body
}

// notifyType maps an event to an Apprise notification type
func notifyType(ev types.Event) string {
	switch {
	case ev.Network != nil && ev.Network.NetworkReady:
		return "success"
	case ev.Network != nil:
		return "warning"
	case ev.Type == types.EventResolved:
		return "success"
	case ev.Alert != nil && ev.Alert.Severity == types.SeverityCritical:
		return "failure"
	case ev.Alert != nil:
		return "warning"
	default:
		return "info"
	}
}
