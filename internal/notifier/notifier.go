package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	appErr "github.com/idp-studio/engine/pkg/errors"
	"github.com/idp-studio/engine/pkg/logger"
	"go.uber.org/zap"
)

// Event kinds reported to resource owners.
const (
	EventCreated = "created"
	EventUpdated = "updated"
	EventDeleted = "deleted"
)

// Event is one lifecycle notification.
type Event struct {
	RecipientEmail string `json:"recipient_email"`
	ResourceName   string `json:"resource_name"`
	ResourceType   string `json:"resource_type"`
	EventKind      string `json:"event_kind"`
}

// Notifier delivers lifecycle notifications to resource owners. Delivery is
// best-effort from the workflow's perspective; the activity layer logs and
// swallows failures.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

type Options struct {
	URL        string
	Token      string
	HTTPClient *http.Client
}

type httpNotifier struct {
	url    string
	token  string
	client *http.Client
}

// New builds an HTTP notifier posting to a mail-relay endpoint. An empty URL
// yields a no-op notifier that only logs.
func New(opts Options) Notifier {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return noopNotifier{}
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &httpNotifier{url: url, token: opts.Token, client: hc}
}

func (n *httpNotifier) Notify(ctx context.Context, ev Event) error {
	if ev.RecipientEmail == "" {
		return appErr.New(appErr.CodeRequestSetup, "notification recipient is required")
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeRequestSetup, "marshal notification failed")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(raw))
	if err != nil {
		return appErr.Wrap(err, appErr.CodeRequestSetup, "build notification request failed")
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeNetwork, "notification relay unreachable")
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	msg := fmt.Sprintf("notification relay returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	if resp.StatusCode >= 500 {
		return appErr.New(appErr.CodeServer, msg)
	}
	return appErr.New(appErr.CodeClient, msg)
}

type noopNotifier struct{}

func (noopNotifier) Notify(ctx context.Context, ev Event) error {
	logger.L().Info("notifications disabled, dropping event",
		zap.String("recipient", ev.RecipientEmail),
		zap.String("resource", ev.ResourceName),
		zap.String("kind", ev.EventKind),
	)
	return nil
}
