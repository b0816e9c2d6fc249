package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// LogNotifier writes alerts to the structured log.
type LogNotifier struct{}

func (LogNotifier) Send(_ context.Context, recipients []string, msg Message) error {
	log.Warn().Str("severity", string(msg.Severity)).Strs("recipients", recipients).
		Interface("fields", msg.Fields).Msg(msg.Title)
	return nil
}

// WebhookNotifier POSTs a JSON document to a fixed URL, retrying
// non-2xx responses.
type WebhookNotifier struct {
	URL        string
	Client     *http.Client
	RetryCount int
	RetryDelay time.Duration
}

type webhookPayload struct {
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	Severity   Severity          `json:"severity"`
	Recipients []string          `json:"recipients"`
	Fields     map[string]string `json:"fields"`
}

func (w WebhookNotifier) Send(ctx context.Context, recipients []string, msg Message) error {
	body, err := json.Marshal(webhookPayload{
		Title:      msg.Title,
		Body:       msg.Body,
		Severity:   msg.Severity,
		Recipients: recipients,
		Fields:     msg.Fields,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	return postWithRetry(ctx, w.client(), w.URL, body, w.RetryCount, w.RetryDelay)
}

func (w WebhookNotifier) client() *http.Client {
	if w.Client != nil {
		return w.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// ChatNotifier posts a Discord-compatible embed to a chat webhook.
type ChatNotifier struct {
	URL        string
	Client     *http.Client
	RetryCount int
	RetryDelay time.Duration
}

type chatEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type chatEmbed struct {
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Color       int              `json:"color"`
	Fields      []chatEmbedField `json:"fields,omitempty"`
	Timestamp   string           `json:"timestamp"`
}

type chatPayload struct {
	Content string      `json:"content,omitempty"`
	Embeds  []chatEmbed `json:"embeds"`
}

func severityColor(s Severity) int {
	switch s {
	case SeverityCritical:
		return 0xFF0000
	case SeverityWarning:
		return 0xFFA500
	case SeverityInfo:
		return 0x3498DB
	default:
		return 0x95A5A6
	}
}

func (c ChatNotifier) Send(ctx context.Context, recipients []string, msg Message) error {
	keys := make([]string, 0, len(msg.Fields))
	for k, v := range msg.Fields {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	fields := make([]chatEmbedField, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, chatEmbedField{Name: k, Value: msg.Fields[k], Inline: true})
	}

	payload := chatPayload{
		Embeds: []chatEmbed{{
			Title:       msg.Title,
			Description: msg.Body,
			Color:       severityColor(msg.Severity),
			Fields:      fields,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}},
	}
	if len(recipients) > 0 {
		payload.Content = "cc: " + strings.Join(recipients, ", ")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal chat payload: %w", err)
	}
	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return postWithRetry(ctx, client, c.URL, body, c.RetryCount, c.RetryDelay)
}

func postWithRetry(ctx context.Context, client *http.Client, url string, body []byte, retries int, delay time.Duration) error {
	if url == "" {
		return fmt.Errorf("webhook url not configured")
	}
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("retry aborted: %w", ctx.Err())
			}
		}
		lastErr = post(ctx, client, url, body)
		if lastErr == nil {
			return nil
		}
		log.Warn().Err(lastErr).Int("attempt", attempt+1).Msg("webhook post failed")
	}
	return fmt.Errorf("failed after %d attempts, last error: %w", retries+1, lastErr)
}

func post(ctx context.Context, client *http.Client, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(b))
	}
	return nil
}

// EmailNotifier sends plain-text mail through an SMTP relay.
type EmailNotifier struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string

	// send is swapped in tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func (e EmailNotifier) Send(_ context.Context, recipients []string, msg Message) error {
	if len(recipients) == 0 {
		return fmt.Errorf("email: no recipients")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(recipients, ", "))
	fmt.Fprintf(&b, "Subject: [%s] %s\r\n", strings.ToUpper(string(msg.Severity)), msg.Title)
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(msg.Body)
	b.WriteString("\r\n")

	var auth smtp.Auth
	if e.Username != "" {
		auth = smtp.PlainAuth("", e.Username, e.Password, e.Host)
	}
	send := e.send
	if send == nil {
		send = smtp.SendMail
	}
	addr := net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
	if err := send(addr, auth, e.From, recipients, []byte(b.String())); err != nil {
		return fmt.Errorf("email send: %w", err)
	}
	return nil
}
