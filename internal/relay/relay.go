// Package relay implements the queue consumption loop: poll, decode, deliver,
// and delete only what was actually delivered.
//
// The queue guarantees at-least-once delivery, so the same logical message
// may be dispatched more than once (e.g. when the process dies between a
// successful delivery and its deletion). Duplicates are never suppressed
// here; downstream channels must tolerate them.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/SirGFM/sqs-issue-notifier/internal/queue"
)

// Deliverer sends decoded message text to a named destination channel.
type Deliverer interface {
	Deliver(ctx context.Context, destination, text string) error
}

// inbound is the expected shape of an envelope body. Pointer fields so that
// an absent key can be told apart from an empty value: empty strings are
// accepted, missing keys are a decode failure.
type inbound struct {
	Channel *string
	Message *string
}

// Relay owns the polling cycle against a queue source.
type Relay struct {
	source     queue.Source
	dispatcher Deliverer
	logger     *slog.Logger
}

func New(source queue.Source, dispatcher Deliverer, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		source:     source,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Run polls the queue until ctx is cancelled, returning ctx's error. Receive
// failures are logged and retried immediately, with no backoff and no
// attempt limit: nothing was received, so nothing can be lost, and the loop
// just spins until the provider recovers.
func (r *Relay) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		envelopes, err := r.source.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("couldn't receive any message", "error", err)
			continue
		}

		// Each envelope is handled on its own; one failing must not
		// affect the others in the batch.
		for _, envelope := range envelopes {
			r.process(ctx, envelope)
		}
	}
}

// process handles a single envelope. The envelope is deleted only after a
// successful delivery; on any failure it is left on the queue, reappears
// once its visibility timeout expires, and is eventually retried or expired
// by the queue itself.
func (r *Relay) process(ctx context.Context, envelope queue.Envelope) {
	var msg inbound
	if err := json.Unmarshal([]byte(envelope.Body), &msg); err != nil {
		r.logger.Error("couldn't decode the received message", "error", err, "contents", envelope.Body)
		return
	}
	if msg.Channel == nil || msg.Message == nil {
		r.logger.Error("couldn't decode the received message",
			"error", "missing Channel or Message field",
			"contents", envelope.Body)
		return
	}

	if err := r.dispatcher.Deliver(ctx, *msg.Channel, *msg.Message); err != nil {
		r.logger.Error("delivery failed, leaving the message queued",
			"channel", *msg.Channel,
			"error", err)
		return
	}

	if err := r.source.Delete(ctx, envelope.Handle); err != nil {
		// The message was delivered but couldn't be deleted; it will be
		// redelivered and sent again.
		r.logger.Error("couldn't delete the delivered message", "error", err)
	}
}
