package bot

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Enclicainteractive/voltage-server/internal/store"
)

// WebhookTimeout bounds each webhook POST.
const WebhookTimeout = 5 * time.Second

const (
	queueSize = 256
	workers   = 4
)

type delivery struct {
	botID   string
	url     string
	secret  string
	event   string
	data    any
	created time.Time
}

// Dispatcher delivers bot webhook events through a bounded worker pool.
// Delivery is best-effort and fire-and-forget: user-facing handlers never
// wait on it and failures are only logged.
type Dispatcher struct {
	client *http.Client
	queue  chan delivery
	log    zerolog.Logger
	wg     sync.WaitGroup
}

// NewDispatcher builds an idle dispatcher; call Run to start the workers.
func NewDispatcher(logger *zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		client: &http.Client{Timeout: WebhookTimeout},
		queue:  make(chan delivery, queueSize),
		log:    logger.With().Str("component", "webhook").Logger(),
	}
}

// Run starts the worker pool and blocks until the context is canceled and
// the in-flight deliveries finish.
func (d *Dispatcher) Run(ctx context.Context) {
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case item := <-d.queue:
					d.post(ctx, item)
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	<-ctx.Done()
	d.wg.Wait()
}

// Deliver enqueues one webhook event. A full queue drops the event.
func (d *Dispatcher) Deliver(bot *store.BotRecord, event string, data any) {
	if bot == nil || bot.WebhookURL == "" || bot.WebhookSecret == "" {
		return
	}
	item := delivery{
		botID:   bot.ID,
		url:     bot.WebhookURL,
		secret:  bot.WebhookSecret,
		event:   event,
		data:    data,
		created: time.Now(),
	}
	select {
	case d.queue <- item:
	default:
		d.log.Warn().Str("bot", bot.ID).Str("event", event).Msg("webhook queue full, dropping event")
	}
}

func (d *Dispatcher) post(ctx context.Context, item delivery) {
	body, err := json.Marshal(map[string]any{
		"event":     item.event,
		"data":      item.data,
		"timestamp": item.created.UnixMilli(),
	})
	if err != nil {
		d.log.Warn().Err(err).Str("bot", item.botID).Msg("marshal webhook body")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, item.url, bytes.NewReader(body))
	if err != nil {
		d.log.Warn().Err(err).Str("bot", item.botID).Msg("build webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Volt-Signature", Sign(item.secret, body))
	req.Header.Set("X-Volt-Bot-Id", item.botID)
	req.Header.Set("X-Volt-Event", item.event)

	resp, err := d.client.Do(req)
	if err != nil {
		d.log.Debug().Err(err).Str("bot", item.botID).Str("event", item.event).Msg("webhook delivery failed")
		return
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		d.log.Debug().Int("status", resp.StatusCode).Str("bot", item.botID).Msg("webhook rejected")
	}
}

// Sign returns the hex HMAC-SHA256 of the body under the webhook secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
