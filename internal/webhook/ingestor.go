package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"launchline/internal/domain"
	"launchline/internal/events"
	"launchline/internal/gates"
	"launchline/internal/repo"
	"launchline/internal/tasksync"
)

const (
	HeaderHookSecret = "X-Hook-Secret"
	HeaderSignature  = "X-Hook-Signature"
)

// Options configures an Ingestor.
type Options struct {
	Repo           repo.Repo
	Sync           tasksync.Coordinator
	Gates          gates.Evaluator
	Secret         string
	QueueSize      int
	EnqueueTimeout time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
}

// Stats are counters since process start.
type Stats struct {
	Received  int64 `json:"received"`
	Rejected  int64 `json:"rejected"`
	Malformed int64 `json:"malformed"`
	Enqueued  int64 `json:"enqueued"`
	Dropped   int64 `json:"dropped"`
	Processed int64 `json:"processed"`
	Ignored   int64 `json:"ignored"`
	Failed    int64 `json:"failed"`
	QueueLen  int   `json:"queue_len"`
	QueueCap  int   `json:"queue_cap"`
}

// Ingestor turns remote task events into local state changes. Deliveries
// are acknowledged immediately and applied by a worker goroutine.
type Ingestor struct {
	repo           repo.Repo
	sync           tasksync.Coordinator
	gates          gates.Evaluator
	secret         string
	enqueueTimeout time.Duration
	now            func() time.Time
	logger         *slog.Logger

	queue chan []Event
	once  sync.Once
	done  chan struct{}

	received, rejected, malformed, enqueued, dropped atomic.Int64
	processed, ignored, failed                       atomic.Int64
}

func New(opts Options) *Ingestor {
	size := opts.QueueSize
	if size <= 0 {
		size = 256
	}
	timeout := opts.EnqueueTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		repo:           opts.Repo,
		sync:           opts.Sync,
		gates:          opts.Gates,
		secret:         strings.TrimSpace(opts.Secret),
		enqueueTimeout: timeout,
		now:            now,
		logger:         logger.With("component", "webhook"),
		queue:          make(chan []Event, size),
		done:           make(chan struct{}),
	}
}

// Start runs the worker until ctx is cancelled. Calling it more than once is
// a no-op.
func (i *Ingestor) Start(ctx context.Context) {
	i.once.Do(func() {
		go i.run(ctx)
	})
}

// Done is closed once the worker has stopped.
func (i *Ingestor) Done() <-chan struct{} { return i.done }

func (i *Ingestor) run(ctx context.Context) {
	defer close(i.done)
	for {
		select {
		case <-ctx.Done():
			if n := len(i.queue); n > 0 {
				i.logger.Warn("webhook worker stopping with queued batches", "batches", n)
			}
			return
		case batch := <-i.queue:
			i.Process(ctx, batch)
		}
	}
}

// Receipt tells the HTTP layer how to answer a delivery.
type Receipt struct {
	// HookSecret is set for handshake requests and must be echoed back.
	HookSecret string
	Handshake  bool
	Accepted   bool
}

// Receive handles one delivery: handshake echo, signature check, decode and
// enqueue. It never fails; rejected or malformed deliveries are dropped.
func (i *Ingestor) Receive(ctx context.Context, header http.Header, body []byte) Receipt {
	if secret := header.Get(HeaderHookSecret); secret != "" {
		i.logger.Info("webhook handshake received")
		return Receipt{HookSecret: secret, Handshake: true}
	}
	i.received.Add(1)
	if !i.Verify(body, header.Get(HeaderSignature)) {
		i.rejected.Add(1)
		i.logger.Warn("webhook signature mismatch; batch dropped")
		return Receipt{}
	}
	batch, err := ParseBatch(body)
	if err != nil {
		i.malformed.Add(1)
		i.logger.Warn("webhook batch malformed; dropped", "error", err)
		return Receipt{}
	}
	if len(batch) == 0 {
		return Receipt{Accepted: true}
	}
	return Receipt{Accepted: i.Enqueue(ctx, batch)}
}

// Verify checks the hex HMAC-SHA256 signature of body. With no secret
// configured every body is accepted.
func (i *Ingestor) Verify(body []byte, signature string) bool {
	if i.secret == "" {
		return true
	}
	expected := Sign(i.secret, body)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Enqueue hands a batch to the worker, waiting at most the enqueue timeout
// for room. A batch that does not fit is dropped and counted.
func (i *Ingestor) Enqueue(ctx context.Context, batch []Event) bool {
	select {
	case i.queue <- batch:
		i.enqueued.Add(1)
		return true
	default:
	}
	timer := time.NewTimer(i.enqueueTimeout)
	defer timer.Stop()
	select {
	case i.queue <- batch:
		i.enqueued.Add(1)
		return true
	case <-timer.C:
	case <-ctx.Done():
	}
	i.dropped.Add(1)
	i.logger.Error("webhook queue full; batch dropped", "events", len(batch), "queue_cap", cap(i.queue))
	return false
}

func (i *Ingestor) Stats() Stats {
	return Stats{
		Received:  i.received.Load(),
		Rejected:  i.rejected.Load(),
		Malformed: i.malformed.Load(),
		Enqueued:  i.enqueued.Load(),
		Dropped:   i.dropped.Load(),
		Processed: i.processed.Load(),
		Ignored:   i.ignored.Load(),
		Failed:    i.failed.Load(),
		QueueLen:  len(i.queue),
		QueueCap:  cap(i.queue),
	}
}

// Outcome of a single event.
type Outcome string

const (
	OutcomeIgnored   Outcome = "ignored"
	OutcomeProcessed Outcome = "processed"
	OutcomeFailed    Outcome = "failed"
)

// Result reports what happened to each event of a batch, in order.
type Result struct {
	EventID string  `json:"event_id"`
	Outcome Outcome `json:"outcome"`
	Error   string  `json:"error,omitempty"`
}

// Process applies a batch synchronously. A failing event is audited as an
// error and does not stop the rest of the batch.
func (i *Ingestor) Process(ctx context.Context, batch []Event) []Result {
	results := make([]Result, 0, len(batch))
	for _, ev := range batch {
		res := i.processEvent(ctx, ev)
		switch res.Outcome {
		case OutcomeIgnored:
			i.ignored.Add(1)
		case OutcomeProcessed:
			i.processed.Add(1)
		case OutcomeFailed:
			i.failed.Add(1)
		}
		results = append(results, res)
	}
	return results
}

func (i *Ingestor) processEvent(ctx context.Context, ev Event) Result {
	res := Result{EventID: ev.EventID(), Outcome: OutcomeIgnored}
	if ev.Resource.Kind != ResourceTask || ev.Resource.ID == "" {
		return res
	}
	rec, err := i.repo.GetSyncRecordByRemoteID(ctx, ev.Resource.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return res
	}
	if err != nil {
		i.logger.Error("webhook lookup failed", "resource_id", ev.Resource.ID, "error", err)
		return Result{EventID: res.EventID, Outcome: OutcomeFailed, Error: err.Error()}
	}

	auditID, err := i.repo.InsertAudit(ctx, domain.WebhookAuditEntry{
		EventID:     res.EventID,
		EventType:   ev.Type(),
		ResourceID:  ev.Resource.ID,
		PayloadJSON: string(ev.Raw()),
		Status:      domain.AuditProcessing,
		ReceivedAt:  repo.Timestamp(i.now()),
	})
	if err != nil {
		i.logger.Error("webhook audit insert failed", "event_id", res.EventID, "error", err)
		return Result{EventID: res.EventID, Outcome: OutcomeFailed, Error: err.Error()}
	}

	status, errMsg := domain.AuditProcessed, ""
	res.Outcome = OutcomeProcessed
	if err := i.apply(ctx, rec, ev); err != nil {
		status, errMsg = domain.AuditError, err.Error()
		res.Outcome, res.Error = OutcomeFailed, errMsg
		i.logger.Warn("webhook event failed", "event_id", res.EventID, "resource_id", ev.Resource.ID, "error", err)
	}
	if err := i.repo.FinishAudit(ctx, auditID, status, errMsg, repo.Timestamp(i.now())); err != nil {
		i.logger.Error("webhook audit update failed", "audit_id", auditID, "error", err)
	}
	return res
}

func (i *Ingestor) apply(ctx context.Context, rec domain.SyncRecord, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic applying event: %v", r)
		}
	}()
	switch {
	case ev.Action == ActionDeleted:
		return i.sync.MarkRemoteDeleted(ctx, rec, string(ev.Raw()), events.WebhookActor)
	case ev.Action == ActionChanged && ev.Change != nil && ev.Change.Field == FieldCompleted:
		if completed, ok := ev.CompletedValue(); ok {
			if _, err := i.sync.ApplyRemoteCompletion(ctx, rec, completed, string(ev.Raw()), events.WebhookActor); err != nil {
				return err
			}
		} else if _, err := i.sync.SyncTaskStatus(ctx, rec.RemoteTaskID); err != nil {
			return err
		}
		if _, err := i.gates.Evaluate(ctx, rec.ProjectID); err != nil {
			return fmt.Errorf("evaluate gates: %w", err)
		}
		return nil
	default:
		return nil
	}
}
