package relay

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/SirGFM/sqs-issue-notifier/internal/dispatch"
	"github.com/SirGFM/sqs-issue-notifier/internal/queue"
)

// stubSource replays scripted errors and batches, then cancels the loop's
// context so Run returns.
type stubSource struct {
	errs      []error
	batches   [][]queue.Envelope
	deleted   []string
	deleteErr error
	receives  int
	stop      context.CancelFunc
}

func (s *stubSource) Receive(ctx context.Context) ([]queue.Envelope, error) {
	s.receives++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	if len(s.batches) == 0 {
		s.stop()
		return nil, ctx.Err()
	}
	batch := s.batches[0]
	s.batches = s.batches[1:]
	return batch, nil
}

func (s *stubSource) Delete(ctx context.Context, handle string) error {
	s.deleted = append(s.deleted, handle)
	return s.deleteErr
}

type deliverCall struct {
	destination string
	text        string
}

type stubDeliverer struct {
	calls []deliverCall
	fail  map[string]error
}

func (d *stubDeliverer) Deliver(ctx context.Context, destination, text string) error {
	d.calls = append(d.calls, deliverCall{destination, text})
	if err, ok := d.fail[destination]; ok {
		return err
	}
	return nil
}

// runRelay drives Run until the stub source runs out of batches.
func runRelay(t *testing.T, source *stubSource, deliverer Deliverer, logs *bytes.Buffer) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source.stop = cancel

	logger := slog.New(slog.NewTextHandler(logs, nil))

	err := New(source, deliverer, logger).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected Run to return context.Canceled, got %v", err)
	}
}

func TestRun_DeliversAndDeletes(t *testing.T) {
	source := &stubSource{
		batches: [][]queue.Envelope{{
			{Body: `{"Channel":"ops","Message":"hi"}`, Handle: "h-1"},
		}},
	}
	deliverer := &stubDeliverer{}

	runRelay(t, source, deliverer, &bytes.Buffer{})

	if len(deliverer.calls) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(deliverer.calls))
	}
	if got := deliverer.calls[0]; got.destination != "ops" || got.text != "hi" {
		t.Errorf("expected delivery of {ops hi}, got %+v", got)
	}
	if len(source.deleted) != 1 || source.deleted[0] != "h-1" {
		t.Errorf("expected exactly one delete of h-1, got %v", source.deleted)
	}
}

func TestRun_LeavesFailedDeliveryQueued(t *testing.T) {
	source := &stubSource{
		batches: [][]queue.Envelope{{
			{Body: `{"Channel":"ops","Message":"hi"}`, Handle: "h-1"},
		}},
	}
	deliverer := &stubDeliverer{fail: map[string]error{"ops": errors.New("endpoint down")}}
	var logs bytes.Buffer

	runRelay(t, source, deliverer, &logs)

	if len(source.deleted) != 0 {
		t.Errorf("expected no deletes, got %v", source.deleted)
	}
	if !strings.Contains(logs.String(), "endpoint down") {
		t.Errorf("expected the delivery error to be logged, got %q", logs.String())
	}
}

func TestRun_SkipsUndecodableEnvelopes(t *testing.T) {
	// wantLog is a fragment of the body that must show up in the log; the
	// text handler escapes quotes, so the fragments avoid them.
	tests := []struct {
		name    string
		body    string
		wantLog string
	}{
		{"not json", "not-json", "not-json"},
		{"missing Message", `{"Channel":"chan-a"}`, "chan-a"},
		{"missing Channel", `{"Message":"msg-b"}`, "msg-b"},
		{"wrong field types", `{"Channel":1,"Message":2}`, "Channel"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			source := &stubSource{
				batches: [][]queue.Envelope{{{Body: tc.body, Handle: "h-1"}}},
			}
			deliverer := &stubDeliverer{}
			var logs bytes.Buffer

			runRelay(t, source, deliverer, &logs)

			if len(deliverer.calls) != 0 {
				t.Errorf("expected no delivery attempt, got %d", len(deliverer.calls))
			}
			if len(source.deleted) != 0 {
				t.Errorf("expected no deletes, got %v", source.deleted)
			}
			if !strings.Contains(logs.String(), tc.wantLog) {
				t.Errorf("expected the raw body (fragment %q) in the log, got %q", tc.wantLog, logs.String())
			}
		})
	}

	t.Run("empty fields are accepted", func(t *testing.T) {
		// Only absent keys are a decode failure; empty values route normally.
		source := &stubSource{
			batches: [][]queue.Envelope{{{Body: `{"Channel":"","Message":""}`, Handle: "h-1"}}},
		}
		deliverer := &stubDeliverer{}

		runRelay(t, source, deliverer, &bytes.Buffer{})

		if len(deliverer.calls) != 1 {
			t.Fatalf("expected 1 delivery attempt, got %d", len(deliverer.calls))
		}
	})
}

func TestRun_RetriesReceiveErrors(t *testing.T) {
	source := &stubSource{
		errs: []error{errors.New("transport failed"), errors.New("transport failed")},
		batches: [][]queue.Envelope{{
			{Body: `{"Channel":"ops","Message":"hi"}`, Handle: "h-1"},
		}},
	}
	deliverer := &stubDeliverer{}
	var logs bytes.Buffer

	runRelay(t, source, deliverer, &logs)

	// Two failed receives, the successful batch and the final cancelled one.
	if source.receives != 4 {
		t.Errorf("expected 4 receive calls, got %d", source.receives)
	}
	if len(deliverer.calls) != 1 {
		t.Errorf("expected the message to be delivered after the retries, got %d deliveries", len(deliverer.calls))
	}
	if !strings.Contains(logs.String(), "transport failed") {
		t.Errorf("expected the receive error to be logged, got %q", logs.String())
	}
}

func TestRun_RedeliveryProducesDuplicates(t *testing.T) {
	// At-least-once: the same logical message showing up twice must be
	// dispatched twice. Nothing deduplicates.
	envelope := queue.Envelope{Body: `{"Channel":"ops","Message":"hi"}`, Handle: "h-1"}
	source := &stubSource{
		batches: [][]queue.Envelope{{envelope}, {envelope}},
	}
	deliverer := &stubDeliverer{}

	runRelay(t, source, deliverer, &bytes.Buffer{})

	if len(deliverer.calls) != 2 {
		t.Fatalf("expected 2 delivery attempts, got %d", len(deliverer.calls))
	}
}

func TestRun_DeleteFailureDoesNotStopTheBatch(t *testing.T) {
	source := &stubSource{
		batches: [][]queue.Envelope{{
			{Body: `{"Channel":"ops","Message":"one"}`, Handle: "h-1"},
			{Body: `{"Channel":"ops","Message":"two"}`, Handle: "h-2"},
		}},
		deleteErr: errors.New("delete failed"),
	}
	deliverer := &stubDeliverer{}
	var logs bytes.Buffer

	runRelay(t, source, deliverer, &logs)

	if len(deliverer.calls) != 2 {
		t.Errorf("expected both envelopes to be delivered, got %d deliveries", len(deliverer.calls))
	}
	if !strings.Contains(logs.String(), "delete failed") {
		t.Errorf("expected the delete error to be logged, got %q", logs.String())
	}
}

func TestRun_EndToEndBatch(t *testing.T) {
	// Batch of three: a deliverable message, one for an unknown channel and
	// one with a malformed body. Only the first may be deleted.
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	source := &stubSource{
		batches: [][]queue.Envelope{{
			{Body: `{"Channel":"ops","Message":"hi"}`, Handle: "h-1"},
			{Body: `{"Channel":"missing","Message":"x"}`, Handle: "h-2"},
			{Body: "not-json", Handle: "h-3"},
		}},
	}

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	dispatcher := dispatch.New(map[string]string{"ops": server.URL}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source.stop = cancel

	err := New(source, dispatcher, logger).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected Run to return context.Canceled, got %v", err)
	}

	if hits != 1 {
		t.Errorf("expected 1 webhook call, got %d", hits)
	}
	if len(source.deleted) != 1 || source.deleted[0] != "h-1" {
		t.Errorf("expected exactly one delete, of h-1, got %v", source.deleted)
	}
	if !strings.Contains(logs.String(), "missing") {
		t.Errorf("expected the unknown channel in the log, got %q", logs.String())
	}
	if !strings.Contains(logs.String(), "not-json") {
		t.Errorf("expected the malformed body in the log, got %q", logs.String())
	}
}
