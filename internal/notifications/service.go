package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"headless/internal/config"
)

const userAgent = "bssigner/1.0"

// Event identifies a notification template.
type Event string

const (
	EventSignerStarted       Event = "signer_started"
	EventPasswordPending     Event = "password_pending"
	EventAutoSignActivated   Event = "autosign_activated"
	EventAutoSignDeactivated Event = "autosign_deactivated"
	EventError               Event = "error"
	EventTest                Event = "test"
)

// Payload carries template values keyed by name.
type Payload map[string]string

// Service publishes events.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Operator.NtfyTopic)
	if topic == "" {
		return noopService{}
	}
	timeout := time.Duration(cfg.Operator.NtfyTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
	}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

func render(event Event, p Payload) (message, error) {
	wallet := p["wallet"]
	switch event {
	case EventSignerStarted:
		return message{
			title: "Signer - Started",
			body:  fmt.Sprintf("Signer is accepting %s terminals on %s", p["network"], p["address"]),
			tags:  []string{"signer", "started"},
		}, nil
	case EventPasswordPending:
		kind := "signing"
		if p["autoSign"] == "true" {
			kind = "auto-sign activation"
		}
		body := fmt.Sprintf("Password needed for %s (%s)", wallet, kind)
		if prompt := strings.TrimSpace(p["prompt"]); prompt != "" {
			body += "\n" + prompt
		}
		return message{
			title:    "Signer - Password Needed",
			body:     body,
			tags:     []string{"signer", "password", "key"},
			priority: "high",
		}, nil
	case EventAutoSignActivated:
		return message{
			title: "Signer - Auto-sign On",
			body:  fmt.Sprintf("Auto-sign activated for %s", wallet),
			tags:  []string{"signer", "autosign", "unlock"},
		}, nil
	case EventAutoSignDeactivated:
		target := wallet
		if target == "" {
			target = "all wallets"
		}
		body := fmt.Sprintf("Auto-sign deactivated for %s", target)
		priority := ""
		if reason := strings.TrimSpace(p["reason"]); reason != "" {
			body += ": " + reason
			priority = "high"
		}
		return message{
			title:    "Signer - Auto-sign Off",
			body:     body,
			tags:     []string{"signer", "autosign", "lock"},
			priority: priority,
		}, nil
	case EventError:
		var b strings.Builder
		b.WriteString("Error")
		if label := strings.TrimSpace(p["context"]); label != "" {
			b.WriteString(" with ")
			b.WriteString(label)
		}
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(p["error"]))
		return message{
			title:    "Signer - Error",
			body:     b.String(),
			tags:     []string{"signer", "error", "alert"},
			priority: "high",
		}, nil
	case EventTest:
		return message{
			title:    "Signer - Test",
			body:     "Notification system test",
			tags:     []string{"signer", "test"},
			priority: "low",
		}, nil
	default:
		return message{}, fmt.Errorf("unknown notification event %q", event)
	}
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	msg, err := render(event, payload)
	if err != nil {
		return err
	}
	return n.send(ctx, msg)
}

func (n *ntfyService) send(ctx context.Context, msg message) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(msg.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if msg.title != "" {
		req.Header.Set("Title", msg.title)
	}
	if len(msg.tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.tags, ","))
	}
	if msg.priority != "" && msg.priority != "default" {
		req.Header.Set("Priority", msg.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }

// Enabled reports whether svc actually delivers anything.
func Enabled(svc Service) bool {
	_, noop := svc.(noopService)
	return svc != nil && !noop
}
