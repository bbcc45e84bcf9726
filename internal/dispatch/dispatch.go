// Package dispatch delivers message text to named notification channels,
// each mapped to a Slack-style incoming webhook URL.
//
// Deliveries to unknown channels fail without any retry. The caller is
// expected to leave the originating queue message unacknowledged, so such
// messages keep being redelivered until the queue's own retention policy
// discards them.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ErrUnknownDestination is returned when a message targets a channel that is
// not on the configured channel list.
var ErrUnknownDestination = errors.New("unknown destination channel")

// deliverTimeout bounds a single webhook call.
const deliverTimeout = 10 * time.Second

// responseBodyLimit caps how much of a failure response is kept for logging.
const responseBodyLimit = 4096

type webhookPayload struct {
	Text string `json:"text"`
}

// Dispatcher posts messages to the webhook registered for each channel. It
// holds no mutable state and is safe for concurrent use.
type Dispatcher struct {
	channels map[string]string
	client   *http.Client
	logger   *slog.Logger
}

// New creates a Dispatcher over the given channel table. The table must not
// be modified after this call.
func New(channels map[string]string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		channels: channels,
		client:   &http.Client{Timeout: deliverTimeout},
		logger:   logger,
	}
}

// Deliver sends text to the webhook registered for destination, issuing a
// single POST with a {"text": ...} body. Any 2xx response is a success;
// everything else, including transport failures, is an error. No retries are
// attempted here.
func (d *Dispatcher) Deliver(ctx context.Context, destination, text string) error {
	url, ok := d.channels[destination]
	if !ok {
		d.logger.Error("channel isn't on the list of channels", "channel", destination)
		d.logger.Warn("dropping message", "channel", destination, "message", text)
		return fmt.Errorf("%w: %q", ErrUnknownDestination, destination)
	}

	payload, err := json.Marshal(webhookPayload{Text: text})
	if err != nil {
		return fmt.Errorf("failed to encode the payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build the request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Error("failed to send message", "channel", destination, "message", text, "error", err)
		return fmt.Errorf("failed to send to channel %q: %w", destination, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))
		d.logger.Error("failed to send message",
			"channel", destination,
			"message", text,
			"status", resp.StatusCode,
			"response", string(body))
		return fmt.Errorf("channel %q responded with status %d: %s", destination, resp.StatusCode, body)
	}

	return nil
}
