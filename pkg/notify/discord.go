package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tomacheese/watch-vrchat-user/pkg/version"
)

const (
	// notifyAttempts bounds delivery tries per transition.
	notifyAttempts = 3

	// baseRetryWait is the wait after the first failed attempt; it
	// doubles per attempt (1s, 2s, ...). A 429 Retry-After overrides it.
	baseRetryWait = time.Second
)

// Discord embed sidebar colors.
const (
	colorOnline   = 0x57f287
	colorOffline  = 0x99aab5
	colorLocation = 0x5865f2
)

// Discord posts transition embeds to a Discord webhook.
type Discord struct {
	webhookURL string
	username   string
	httpClient *http.Client
	logger     *slog.Logger

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

var _ Notifier = (*Discord)(nil)

// DiscordConfig holds the settings for a Discord notifier.
type DiscordConfig struct {
	// WebhookURL is the full Discord webhook endpoint. Required.
	WebhookURL string

	// Username overrides the webhook's display name. Optional.
	Username string

	// HTTPClient overrides the HTTP client. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Logger receives delivery diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// NewDiscord creates a Discord webhook notifier.
func NewDiscord(config DiscordConfig) *Discord {
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Discord{
		webhookURL: config.WebhookURL,
		username:   config.Username,
		httpClient: config.HTTPClient,
		logger:     config.Logger,
		sleep:      sleepContext,
	}
}

// webhookPayload is the Discord webhook execute body.
type webhookPayload struct {
	Username string  `json:"username,omitempty"`
	Embeds   []embed `json:"embeds"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color"`
	Fields      []embedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// webhookError is a non-2xx webhook response.
type webhookError struct {
	statusCode int
	status     string
	message    string
	retryAfter time.Duration
}

func (e *webhookError) Error() string {
	if e.message != "" {
		return fmt.Sprintf("discord webhook: HTTP %s: %s", e.status, e.message)
	}
	return fmt.Sprintf("discord webhook: HTTP %s", e.status)
}

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// NotifyTransition posts one embed, retrying transient failures with
// doubling waits. Client errors other than 429 abort immediately; a
// deleted webhook will never start working.
func (d *Discord) NotifyTransition(ctx context.Context, t Transition) error {
	body, err := json.Marshal(webhookPayload{
		Username: d.username,
		Embeds:   []embed{buildEmbed(t)},
	})
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}

	for attempt := 1; ; attempt++ {
		err = d.post(ctx, body)
		if err == nil {
			if attempt > 1 {
				d.logger.Info("discord delivery recovered",
					slog.Int("attempt", attempt),
					slog.String("user_id", t.UserID))
			}
			return nil
		}

		var whErr *webhookError
		retryable := !errors.As(err, &whErr) ||
			whErr.statusCode == http.StatusTooManyRequests ||
			whErr.statusCode >= http.StatusInternalServerError
		if !retryable || attempt >= notifyAttempts {
			return fmt.Errorf("delivering %s transition for %s: %w", t.Kind, t.UserID, err)
		}

		delay := baseRetryWait << (attempt - 1)
		if whErr != nil && whErr.retryAfter > 0 {
			delay = whErr.retryAfter
		}
		d.logger.Warn("discord delivery failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))

		if err := d.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (d *Discord) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &webhookError{
		statusCode: resp.StatusCode,
		status:     resp.Status,
		message:    strings.TrimSpace(string(msg)),
		retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// parseRetryAfter reads a Retry-After header value in seconds. Discord
// sends fractional seconds.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	seconds, err := strconv.ParseFloat(value, 64)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

func buildEmbed(t Transition) embed {
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}

	e := embed{
		Description: fmt.Sprintf("[Profile](https://vrchat.com/home/user/%s)", t.UserID),
		Timestamp:   at.UTC().Format(time.RFC3339),
	}

	switch t.Kind {
	case KindOnline:
		e.Title = fmt.Sprintf("%s came online", t.DisplayName)
		e.Color = colorOnline
	case KindOffline:
		e.Title = fmt.Sprintf("%s went offline", t.DisplayName)
		e.Color = colorOffline
	default:
		e.Title = fmt.Sprintf("%s moved", t.DisplayName)
		e.Color = colorLocation
		e.Fields = []embedField{
			{Name: "From", Value: describeLocation(t.Previous, ""), Inline: true},
			{Name: "To", Value: describeLocation(t.Current, t.WorldName), Inline: true},
		}
	}
	return e
}

// describeLocation renders a location token for humans. The world name
// wins when the feed supplied one; instance tokens are opaque otherwise.
func describeLocation(location *string, worldName string) string {
	if location == nil {
		return "offline"
	}
	switch *location {
	case "private":
		return "a private world"
	case "traveling":
		return "traveling between worlds"
	}
	if worldName != "" {
		return worldName
	}
	return *location
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
