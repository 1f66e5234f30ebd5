package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	libcb "github.com/LerianStudio/lib-commons/v2/commons/circuitbreaker"

	"github.com/gsmlg-opt/repub-sub000/internal/domain"
	"github.com/gsmlg-opt/repub-sub000/internal/metadatastore"
	"github.com/gsmlg-opt/repub-sub000/internal/mlog"
)

const (
	batchSize      = 5
	deliveryTimeout = 10 * time.Second
)

var httpClient = &http.Client{Timeout: deliveryTimeout}

// Service fans events out to every active webhook registered for them,
// grounded on the SSRF guard, HMAC signing, batch-of-5 concurrency, and
// failure-count auto-disable described in the delivery spec.
type Service struct {
	store  metadatastore.Store
	logger mlog.Logger

	mu       sync.Mutex
	breakers map[string]*libcb.CircuitBreaker

	rabbit *rabbitTransport
	pool   *workerPool
}

// NewService builds a Service. When rabbitURL is non-empty, deliveries are
// queued onto RabbitMQ and consumed by a background worker; otherwise an
// in-process worker pool handles deliveries directly, matching the
// fallback the concurrency model calls for when no broker is configured.
func NewService(store metadatastore.Store, logger mlog.Logger, rabbitURL string) *Service {
	s := &Service{
		store:    store,
		logger:   logger,
		breakers: make(map[string]*libcb.CircuitBreaker),
	}

	if rabbitURL != "" {
		s.rabbit = newRabbitTransport(rabbitURL, logger)
	} else {
		s.pool = newWorkerPool(batchSize, s.attemptDelivery)
	}
	return s
}

// Start connects the RabbitMQ consumer, if configured, or the in-process
// worker pool otherwise. Call once during startup.
func (s *Service) Start(ctx context.Context, stop <-chan struct{}) error {
	if s.rabbit != nil {
		return s.rabbit.consume(ctx, stop, func(j job) {
			s.attemptDelivery(context.Background(), j)
		})
	}
	s.pool.start(stop)
	return nil
}

func (s *Service) Close() error {
	if s.rabbit != nil {
		return s.rabbit.close()
	}
	return nil
}

// Publish enqueues event for every active webhook subscribed to it (exact
// match or "*"). The webhook lookup and payload encoding run on the
// caller's goroutine; each enqueue then runs fire-and-forget in its own
// goroutine, and a queueing failure is only logged.
func (s *Service) Publish(ctx context.Context, event string, data any) {
	hooks, err := s.store.GetWebhooksForEvent(ctx, event)
	if err != nil {
		s.logger.Errorf("listing webhooks for event %s: %v", event, err)
		return
	}
	if len(hooks) == 0 {
		return
	}

	payload, err := json.Marshal(map[string]any{
		"event":     event,
		"timestamp": nowISO8601(),
		"data":      data,
	})
	if err != nil {
		s.logger.Errorf("marshaling webhook payload for event %s: %v", event, err)
		return
	}

	for _, h := range hooks {
		j := job{WebhookID: h.ID, Event: event, Payload: payload}
		go s.enqueue(ctx, j)
	}
}

func (s *Service) enqueue(ctx context.Context, j job) {
	if s.rabbit != nil {
		if err := s.rabbit.publish(ctx, j); err != nil {
			s.logger.Errorf("publishing webhook job for %s: %v", j.WebhookID, err)
		}
		return
	}
	s.pool.submit(j)
}

func (s *Service) breakerFor(webhookID string) *libcb.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb, ok := s.breakers[webhookID]
	if !ok {
		cb = newBreaker(webhookID, s.logger)
		s.breakers[webhookID] = cb
	}
	return cb
}

// attemptDelivery runs one delivery job end to end: SSRF guard, signing,
// POST with timeout through a per-webhook circuit breaker, status
// recording, and the consecutive-failure auto-disable rule.
func (s *Service) attemptDelivery(ctx context.Context, j job) {
	hook, err := s.store.GetWebhook(ctx, j.WebhookID)
	if err != nil || hook == nil || !hook.IsActive {
		return
	}

	if err := checkSSRF(hook.URL); err != nil {
		s.recordSSRFRejection(ctx, *hook, j.Event, j.Payload, err)
		return
	}

	start := time.Now()
	statusCode, deliveryErr := s.deliverOnce(ctx, *hook, j)
	duration := time.Since(start)

	success := deliveryErr == nil && statusCode >= 200 && statusCode < 300
	s.recordOutcome(ctx, *hook, j.Event, j.Payload, statusCode, success, deliveryErr, duration)
}

func (s *Service) deliverOnce(ctx context.Context, hook domain.Webhook, j job) (int, error) {
	cb := s.breakerFor(hook.ID)
	result, err := cb.Execute(func() (any, error) {
		deliveryID := uuid.NewString()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(j.Payload))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Webhook-Event", j.Event)
		req.Header.Set("X-Webhook-Delivery", deliveryID)
		if hook.Secret != nil && *hook.Secret != "" {
			req.Header.Set("X-Webhook-Signature", sign([]byte(*hook.Secret), j.Payload))
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return resp.StatusCode, fmt.Errorf("non-2xx response: %d", resp.StatusCode)
		}
		return resp.StatusCode, nil
	})

	if err != nil {
		if code, ok := result.(int); ok && code != 0 {
			return code, err
		}
		return 0, err
	}
	return result.(int), nil
}

func (s *Service) recordOutcome(ctx context.Context, hook domain.Webhook, event string, payload []byte, statusCode int, success bool, deliveryErr error, duration time.Duration) {
	updated := hook
	if success {
		updated.FailureCount = 0
		now := time.Now().UTC()
		updated.LastTriggeredAt = &now
	} else {
		updated.FailureCount++
		if updated.FailureCount >= domain.MaxWebhookFailures {
			updated.IsActive = false
			go s.notifyAdminsDisabled(context.Background(), updated)
		}
	}

	if err := s.store.UpdateWebhook(ctx, updated); err != nil {
		s.logger.Errorf("updating webhook %s after delivery: %v", hook.ID, err)
	}

	var errStr *string
	if deliveryErr != nil {
		msg := deliveryErr.Error()
		errStr = &msg
	}

	delivery := domain.WebhookDelivery{
		ID:         uuid.NewString(),
		WebhookID:  hook.ID,
		EventType:  event,
		Payload:    payload,
		StatusCode: statusCode,
		Success:    success,
		Error:      errStr,
		DurationMS: duration.Milliseconds(),
		At:         time.Now().UTC(),
	}
	if err := s.store.RecordDelivery(ctx, delivery); err != nil {
		s.logger.Errorf("recording delivery for webhook %s: %v", hook.ID, err)
	}
}

// recordSSRFRejection disables hook unconditionally, independent of
// FailureCount/MaxWebhookFailures: an SSRF-blocked URL is disabled on the
// very first rejected attempt, and no outbound HTTP request is ever made
// for it.
func (s *Service) recordSSRFRejection(ctx context.Context, hook domain.Webhook, event string, payload []byte, rejectErr error) {
	updated := hook
	updated.IsActive = false

	if err := s.store.UpdateWebhook(ctx, updated); err != nil {
		s.logger.Errorf("disabling webhook %s after SSRF rejection: %v", hook.ID, err)
	}

	msg := rejectErr.Error()
	delivery := domain.WebhookDelivery{
		ID:        uuid.NewString(),
		WebhookID: hook.ID,
		EventType: event,
		Payload:   payload,
		Success:   false,
		Error:     &msg,
		At:        time.Now().UTC(),
	}
	if err := s.store.RecordDelivery(ctx, delivery); err != nil {
		s.logger.Errorf("recording SSRF-rejected delivery for webhook %s: %v", hook.ID, err)
	}

	go s.notifyAdminsDisabled(context.Background(), updated)
}

// notifyAdminsDisabled looks up the admin_notification_email SiteConfig
// row and logs a notification. Actual SMTP delivery is out of scope; a
// missing or empty address is a silent no-op, never a failure that could
// roll back the disable it announces.
func (s *Service) notifyAdminsDisabled(ctx context.Context, hook domain.Webhook) {
	cfg, err := s.store.GetSiteConfig(ctx, domain.AdminNotificationEmailConfigName)
	if err != nil || cfg == nil || cfg.Value == "" {
		s.logger.Debugf("webhook %s disabled; no admin_notification_email configured", hook.ID)
		return
	}
	s.logger.Warnf("notifying %s: webhook %s (%s) disabled after %d consecutive failures",
		cfg.Value, hook.ID, hook.URL, hook.FailureCount)
}

func nowISO8601() string {
	return time.Now().UTC().Format(time.RFC3339)
}
