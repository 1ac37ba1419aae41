// Package notify delivers progress events to requesters and alerts to
// operators. Alerts go to two independent channels: an outbound message
// channel (Feishu or a generic webhook) and the live push hub. A failure on
// one channel never blocks the other.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/quote-engine/internal/config"
	"github.com/sells-group/quote-engine/internal/model"
)

// Sender delivers an alert to an outbound message channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, a model.Alert) error
}

// Publisher is the live push channel.
type Publisher interface {
	PublishProgress(ev model.ProgressEvent)
	PublishAlert(a model.Alert)
}

const (
	defaultSendTimeout = 10 * time.Second
	defaultAlertRate   = rate.Limit(0.5)
	defaultAlertBurst  = 10
)

// Dispatcher fans events out to the configured channels.
type Dispatcher struct {
	sender  Sender
	live    Publisher
	limiter *rate.Limiter
	timeout time.Duration
	nowFunc func() time.Time
	log     *zap.Logger

	wg sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. Either channel may be nil.
func NewDispatcher(sender Sender, live Publisher) *Dispatcher {
	return &Dispatcher{
		sender:  sender,
		live:    live,
		limiter: rate.NewLimiter(defaultAlertRate, defaultAlertBurst),
		timeout: defaultSendTimeout,
		nowFunc: time.Now,
		log:     zap.L().With(zap.String("component", "notify")),
	}
}

// SetAlertRate changes how fast alerts are handed to the outbound sender.
// Alerts above the rate are delayed, never dropped.
func (d *Dispatcher) SetAlertRate(r rate.Limit, burst int) {
	d.limiter = rate.NewLimiter(r, burst)
}

// Progress publishes a requester-facing event.
func (d *Dispatcher) Progress(_ context.Context, ev model.ProgressEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = d.nowFunc().UTC()
	}
	d.log.Debug("progress",
		zap.String("stage", string(ev.Stage)),
		zap.String("request_id", ev.RequestID),
		zap.String("candidate_id", ev.CandidateID),
	)
	if d.live != nil {
		d.live.PublishProgress(ev)
	}
}

// Alert delivers an operator alert to both channels. The outbound send runs
// in the background under its own timeout.
func (d *Dispatcher) Alert(ctx context.Context, a model.Alert) {
	if a.Timestamp.IsZero() {
		a.Timestamp = d.nowFunc().UTC()
	}
	d.log.Warn("alert",
		zap.String("kind", string(a.Kind)),
		zap.String("job_id", a.JobID),
		zap.String("candidate_id", a.CandidateID),
		zap.String("agent_id", a.AgentID),
		zap.String("message", a.Message),
	)

	if d.live != nil {
		d.live.PublishAlert(a)
	}
	if d.sender == nil {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		if err := d.limiter.Wait(sendCtx); err != nil {
			d.log.Error("notify: alert throttled past deadline", zap.String("kind", string(a.Kind)), zap.Error(err))
			return
		}
		if err := d.sender.Send(sendCtx, a); err != nil {
			d.log.Error("notify: failed to send alert",
				zap.String("channel", d.sender.Name()),
				zap.String("kind", string(a.Kind)),
				zap.Error(err),
			)
			return
		}
		d.log.Info("notify: alert sent", zap.String("channel", d.sender.Name()), zap.String("kind", string(a.Kind)))
	}()
}

// Wait blocks until every in-flight outbound send has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// NewSender picks the outbound channel from config: Feishu when an app and
// chat are configured, otherwise the webhook, otherwise none.
func NewSender(feishu config.FeishuConfig, webhook config.WebhookConfig) Sender {
	switch {
	case feishu.AppID != "" && feishu.AppSecret != "" && feishu.ChatID != "":
		return NewFeishuSender(feishu)
	case webhook.URL != "":
		return NewWebhookSender(webhook.URL)
	}
	return nil
}

// FormatAlert renders an alert as a short plain-text message.
func FormatAlert(a model.Alert) string {
	msg := fmt.Sprintf("[%s] %s", a.Kind, a.Message)
	if a.JobID != "" {
		msg += "\njob: " + a.JobID
	}
	if a.CandidateID != "" {
		msg += "\ncandidate: " + a.CandidateID
	}
	if a.AgentID != "" {
		msg += "\nagent: " + a.AgentID
	}
	if !a.Timestamp.IsZero() {
		msg += "\nat: " + a.Timestamp.UTC().Format(time.RFC3339)
	}
	return msg
}
