package notify

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
	"strings"
	"time"

	"veridraw/internal/config"
	"veridraw/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// SignatureHeader carries "sha256=<hex HMAC of the raw body>" when the hook
// has a secret.
const SignatureHeader = "X-Veridraw-Signature"

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// WebhookSink posts notifications as JSON to one configured endpoint.
type WebhookSink struct {
	Hook   config.WebhookConfig
	Client *http.Client
	filter eventFilter
}

func NewWebhookSink(hook config.WebhookConfig) *WebhookSink {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	return &WebhookSink{
		Hook:   hook,
		Client: &http.Client{Timeout: timeout},
		filter: newEventFilter(hook.Events),
	}
}

// WebhookSinks builds a sink for every enabled webhook in cfg.
func WebhookSinks(cfg *config.Config) []Sink {
	if cfg == nil {
		return nil
	}
	var out []Sink
	for _, hook := range cfg.Notifications.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		out = append(out, NewWebhookSink(hook))
	}
	return out
}

func (s *WebhookSink) Name() string { return "webhook:" + s.Hook.URL }

func (s *WebhookSink) Deliver(ctx context.Context, n domain.Notification) error {
	if !s.filter.match(string(n.Event)) {
		return nil
	}
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Veridraw-Event", string(n.Event))
	req.Header.Set("X-Veridraw-Delivery", strconv.FormatInt(n.Seq, 10))
	req.Header.Set("X-Veridraw-Escrow", n.EscrowID)
	if strings.TrimSpace(s.Hook.Secret) != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(s.Hook.Secret, data))
	}
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
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
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.ToUpper(strings.TrimSpace(evt))
		if key == "" {
			continue
		}
		set[key] = struct{}{}
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
