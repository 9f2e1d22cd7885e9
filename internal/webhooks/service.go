// Package webhooks delivers signed ledger events to configured HTTP endpoints.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jmerrifield20/freshledger/internal/ledger"
	"go.uber.org/zap"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Freshledger-Signature"

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Dispatcher fans ledger events out to webhook endpoints.
type Dispatcher struct {
	endpoints  []Endpoint
	httpClient *http.Client
	delays     []time.Duration
	onMetrics  MetricsRecorder
	wg         sync.WaitGroup
	logger     *zap.Logger
}

// NewDispatcher creates a new Dispatcher for endpoints.
func NewDispatcher(endpoints []Endpoint, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		endpoints:  endpoints,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// Retry with exponential backoff: 1s, 5s.
		delays: []time.Duration{0, 1 * time.Second, 5 * time.Second},
		logger: logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (d *Dispatcher) SetMetricsRecorder(fn MetricsRecorder) {
	d.onMetrics = fn
}

// SetRetryDelays replaces the wait before each attempt. The first entry
// applies to the first attempt and is normally zero.
func (d *Dispatcher) SetRetryDelays(delays []time.Duration) {
	d.delays = delays
}

// Dispatch sends an event to every endpoint subscribed to eventType.
// Deliveries run in the background and outlive ctx cancellation.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, payload map[string]string) {
	d.send(ctx, Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Namespace: payload["namespace"],
		Payload:   payload,
	})
}

// OnBlockSealed is a ledger.SealHook that announces every sealed block.
func (d *Dispatcher) OnBlockSealed(ctx context.Context, namespace string, b *ledger.Block) error {
	d.send(ctx, Event{
		Type:      EventBlockSealed,
		Timestamp: time.Now().UTC(),
		Namespace: namespace,
		Payload:   map[string]string{"index": strconv.Itoa(b.Index), "hash": b.Hash},
		Block:     b,
	})
	return nil
}

// Wait blocks until all in-flight deliveries have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) send(ctx context.Context, event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("webhook: marshal event", zap.Error(err))
		return
	}

	ctx = context.WithoutCancel(ctx)
	for _, ep := range d.endpoints {
		if !ep.wants(event.Type) {
			continue
		}
		d.wg.Add(1)
		go func(ep Endpoint) {
			defer d.wg.Done()
			d.deliver(ctx, ep, event.Type, body)
		}(ep)
	}
}

// deliver sends body to a single endpoint with retries.
func (d *Dispatcher) deliver(ctx context.Context, ep Endpoint, eventType string, body []byte) {
	signature := signPayload(body, ep.Secret)

	for attempt, delay := range d.delays {
		if delay > 0 {
			time.Sleep(delay)
		}

		success, errMsg := d.doDelivery(ctx, ep.URL, body, signature)
		if d.onMetrics != nil {
			d.onMetrics(success)
		}
		if success {
			return
		}

		d.logger.Warn("webhook: delivery failed",
			zap.String("url", ep.URL),
			zap.String("event", eventType),
			zap.Int("attempt", attempt+1),
			zap.String("error", errMsg),
		)
	}
}

// doDelivery performs a single HTTP POST delivery.
func (d *Dispatcher) doDelivery(ctx context.Context, url string, body []byte, signature string) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return true, ""
}

// signPayload computes an HMAC-SHA256 signature. Endpoints without a secret
// receive unsigned requests.
func signPayload(body []byte, secret string) string {
	if secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
