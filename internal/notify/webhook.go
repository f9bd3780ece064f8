package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tonieflash/flash-console/internal/workflow"
)

const webhookQueue = 32

// WebhookConfig configures the webhook forwarder.
type WebhookConfig struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

// Outcome is posted once per finished step action.
type Outcome struct {
	WorkflowID uuid.UUID         `json:"workflowId"`
	Action     workflow.Action   `json:"action"`
	Step       workflow.Step     `json:"step"`
	State      workflow.Kind     `json:"state"`
	Mode       workflow.Mode     `json:"mode"`
	Message    string            `json:"message"`
	Failure    *workflow.Failure `json:"failure,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Webhook forwards action outcomes to an HTTP endpoint. Publish only queues;
// Run delivers.
type Webhook struct {
	cfg        WebhookConfig
	httpClient *http.Client
	queue      chan Outcome

	mu      sync.Mutex
	running workflow.Action
}

// NewWebhook creates a forwarder for cfg.URL.
func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Webhook{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		queue:      make(chan Outcome, webhookQueue),
	}
}

// Publish queues an Outcome when snap ends a running action.
func (h *Webhook) Publish(snap workflow.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if snap.OperationInProgress {
		h.running = snap.Action
		return
	}
	if h.running == "" {
		return
	}

	outcome := Outcome{
		WorkflowID: snap.ID,
		Action:     h.running,
		Step:       snap.CurrentStep,
		State:      snap.State,
		Mode:       snap.Mode,
		Message:    snap.LastMessage,
		Failure:    snap.Failure,
		Timestamp:  snap.UpdatedAt,
	}
	h.running = ""

	select {
	case h.queue <- outcome:
	default:
		log.Warn().Str("action", string(outcome.Action)).Msg("Webhook queue full, dropping outcome")
	}
}

// Run delivers queued outcomes until ctx ends.
func (h *Webhook) Run(ctx context.Context) error {
	log.Info().Str("endpoint", h.cfg.URL).Msg("Webhook forwarder started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case outcome := <-h.queue:
			if err := h.forward(ctx, outcome); err != nil {
				log.Error().
					Err(err).
					Str("endpoint", h.cfg.URL).
					Str("action", string(outcome.Action)).
					Msg("Failed to forward outcome")
				continue
			}
			log.Debug().
				Str("endpoint", h.cfg.URL).
				Str("action", string(outcome.Action)).
				Msg("Outcome forwarded")
		}
	}
}

func (h *Webhook) forward(ctx context.Context, outcome Outcome) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
