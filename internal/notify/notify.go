// File: internal/notify/notify.go
// Brief: Terminal-outcome notification delivery.

// Package notify delivers the manifest's success/failure notifications.
// Delivery is best-effort: a failed notification is logged and never
// changes the run outcome.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/example/shipctl/internal/manifest"
)

// Context carries the substitution values available to message templates:
// {version}, {error}, {timestamp}, {system_id}.
type Context struct {
	Version  string
	Error    string
	SystemID string
	When     time.Time
}

// Sender delivers notifications.
type Sender struct {
	Log *zap.Logger
	// HTTP posts webhook payloads; nil gets a retrying default client.
	HTTP *retryablehttp.Client
}

const webhookTimeout = 10 * time.Second

// Send delivers every notification in the list, substituting the run
// context into each message template.
func (s *Sender) Send(ctx context.Context, specs []manifest.Notification, nc Context) {
	for _, spec := range specs {
		if err := s.send(ctx, spec, nc); err != nil {
			s.Log.Error("notification delivery failed",
				zap.String("type", spec.Type), zap.Error(err))
		}
	}
}

func (s *Sender) send(ctx context.Context, spec manifest.Notification, nc Context) error {
	message := render(spec.Message, nc)
	switch spec.Type {
	case "log", "":
		switch strings.ToLower(spec.Level) {
		case "error":
			s.Log.Error(message)
		case "warn", "warning":
			s.Log.Warn(message)
		case "debug":
			s.Log.Debug(message)
		default:
			s.Log.Info(message)
		}
		return nil
	case "webhook":
		return s.postWebhook(ctx, spec.URL, message)
	default:
		s.Log.Warn("unsupported notification type", zap.String("type", spec.Type))
		return nil
	}
}

func (s *Sender) postWebhook(ctx context.Context, url, message string) error {
	client := s.HTTP
	if client == nil {
		client = retryablehttp.NewClient()
		client.RetryMax = 2
		client.HTTPClient.Timeout = webhookTimeout
		client.Logger = nil
	}
	payload, err := json.Marshal(map[string]string{"text": message})
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode}
	}
	s.Log.Info("webhook notification sent", zap.String("url", url))
	return nil
}

type statusError struct{ code int }

func (e *statusError) Error() string {
	return "webhook returned status " + http.StatusText(e.code)
}

// render substitutes {placeholder} tokens from the notification context.
func render(template string, nc Context) string {
	replacer := strings.NewReplacer(
		"{version}", nc.Version,
		"{error}", nc.Error,
		"{timestamp}", nc.When.Format(time.RFC3339),
		"{system_id}", nc.SystemID,
	)
	return replacer.Replace(template)
}
