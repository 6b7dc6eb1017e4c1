// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package uploader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/logwatch/logwatch/lib/breaker"
	"github.com/logwatch/logwatch/lib/clock"
	"github.com/logwatch/logwatch/lib/recordstore"
	"github.com/logwatch/logwatch/lib/schema"
	"github.com/logwatch/logwatch/lib/transport"
)

// Sender submits one batch and returns the server's acknowledgement.
// *transport.Client implements it; tests substitute a fake so that no
// server is needed.
type Sender interface {
	SubmitBatch(ctx context.Context, batch *schema.BatchRequest) (*schema.BatchAck, error)
}

// State is the transport state of one task's upload path.
type State string

const (
	// StateOnline: the last attempt succeeded, or none failed yet.
	StateOnline State = "online"

	// StateRetrying: attempts are failing or the breaker is open.
	// Records stay queued.
	StateRetrying State = "retrying"

	// StateOffline: the uploader gave up after too many breaker
	// openings. Terminal.
	StateOffline State = "offline"

	// StateAuthFailed: the server rejected the credentials. Terminal.
	StateAuthFailed State = "auth_failed"

	// StateTaskDeleted: the server no longer knows the task. Terminal.
	StateTaskDeleted State = "task_deleted"
)

// IsTerminal reports whether the uploader has stopped for good.
func (s State) IsTerminal() bool {
	return s == StateOffline || s == StateAuthFailed || s == StateTaskDeleted
}

// Config holds the parameters for an Uploader.
type Config struct {
	Store   *recordstore.Store
	Sender  Sender
	Breaker *breaker.Breaker

	// BatchRecords sends a batch as soon as this many records are
	// pending. Defaults to 100.
	BatchRecords int

	// BatchInterval sends whatever is pending once the oldest
	// pending record has waited this long. It is also the pause
	// after a batch exhausts its retries. Defaults to 2 seconds.
	BatchInterval time.Duration

	// BatchMaxBytes caps the raw payload bytes of one batch. A single
	// record larger than the cap is still sent alone. Defaults to
	// 1 MiB.
	BatchMaxBytes int

	// CompressThreshold is the encoded payload size at which
	// Compression is applied. Defaults to 64 KiB.
	CompressThreshold int

	// Compression is one of the schema.Compression* names. Defaults
	// to gzip.
	Compression string

	// RetryCount is the number of retries of one batch after its
	// first attempt fails. Zero means no retries; negative selects
	// the default of 3.
	RetryCount int

	// RetryInterval is the first backoff; each retry doubles it up to
	// MaxRetryInterval. Defaults to 2 and 30 seconds.
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration

	// GiveUpAfterOpens moves to StateOffline once the breaker has
	// opened this many times. Zero never gives up.
	GiveUpAfterOpens int

	// KeepUploaded skips pruning acknowledged records.
	KeepUploaded bool

	Clock  clock.Clock
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.BatchRecords <= 0 {
		c.BatchRecords = 100
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = 2 * time.Second
	}
	if c.BatchMaxBytes <= 0 {
		c.BatchMaxBytes = 1 << 20
	}
	if c.CompressThreshold <= 0 {
		c.CompressThreshold = 64 << 10
	}
	if c.Compression == "" {
		c.Compression = schema.CompressionGzip
	}
	if c.RetryCount < 0 {
		c.RetryCount = 3
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 2 * time.Second
	}
	if c.MaxRetryInterval < c.RetryInterval {
		c.MaxRetryInterval = max(30*time.Second, c.RetryInterval)
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Uploader drains one task's record store to the server, one batch at
// a time in seq order. A batch is committed to the store (BeginBatch)
// before its first attempt and is re-sent unchanged, under the same
// client_seq, until the server acknowledges it.
//
// Run and Flush must not be called concurrently. State is safe to call
// from any goroutine.
type Uploader struct {
	config Config
	store  *recordstore.Store
	clock  clock.Clock
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	lastError error
	batches   uint64
}

// New validates config and returns an Uploader in StateOnline.
func New(config Config) (*Uploader, error) {
	if config.Store == nil {
		return nil, errors.New("uploader: Store is required")
	}
	if config.Sender == nil {
		return nil, errors.New("uploader: Sender is required")
	}
	if config.Breaker == nil {
		return nil, errors.New("uploader: Breaker is required")
	}
	if config.Compression != "" && !ValidCompression(config.Compression) {
		return nil, fmt.Errorf("uploader: unknown compression %q", config.Compression)
	}
	config = config.withDefaults()
	return &Uploader{
		config: config,
		store:  config.Store,
		clock:  config.Clock,
		logger: config.Logger.With("task_id", config.Store.TaskID()),
		state:  StateOnline,
	}, nil
}

// State returns the current transport state.
func (u *Uploader) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// LastError returns the error behind the current state, if any.
func (u *Uploader) LastError() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastError
}

// Batches returns the number of batches acknowledged so far.
func (u *Uploader) Batches() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.batches
}

func (u *Uploader) setState(state State, cause error) {
	u.mu.Lock()
	previous := u.state
	u.state = state
	u.lastError = cause
	u.mu.Unlock()

	if previous != state {
		attrs := []any{"from", previous, "state", state}
		if cause != nil {
			attrs = append(attrs, "error", cause)
		}
		if state == StateOnline {
			u.logger.Info("upload state changed", attrs...)
		} else {
			u.logger.Warn("upload state changed", attrs...)
		}
	}
}

// Run sends batches until ctx is cancelled or the uploader reaches a
// terminal state. It returns nil in both cases; a non-nil error is a
// local storage failure.
//
// A batch is formed when BatchRecords records are pending, or when
// BatchInterval has passed since pending records were first seen,
// whichever comes first. An in-flight batch left by an earlier process
// is delivered before anything else.
func (u *Uploader) Run(ctx context.Context) error {
	var windowDeadline time.Time

	for {
		if ctx.Err() != nil || u.State().IsTerminal() {
			return nil
		}

		// Consume a pending wakeup before reading the cursor so that
		// an append racing with this iteration signals again.
		select {
		case <-u.store.Appended():
		default:
		}

		cursor := u.store.Cursor()
		if cursor.InFlight == nil {
			pending := cursor.Pending()
			if pending == 0 {
				windowDeadline = time.Time{}
				select {
				case <-u.store.Appended():
				case <-ctx.Done():
					return nil
				}
				continue
			}

			now := u.clock.Now()
			if windowDeadline.IsZero() {
				windowDeadline = now.Add(u.config.BatchInterval)
			}
			if pending < uint64(u.config.BatchRecords) && now.Before(windowDeadline) {
				if !u.wait(ctx, windowDeadline.Sub(now), u.store.Appended()) {
					return nil
				}
				continue
			}
		}

		delivered, err := u.deliverNext(ctx, false)
		if err != nil {
			return err
		}
		if delivered {
			windowDeadline = time.Time{}
			continue
		}
		if ctx.Err() != nil || u.State().IsTerminal() {
			return nil
		}

		// Retries exhausted. The batch stays in flight and is tried
		// again after a pause.
		if !u.wait(ctx, u.config.BatchInterval, nil) {
			return nil
		}
	}
}

// Flush makes a best-effort attempt to deliver everything pending,
// ignoring the batch window. It stops at the first batch that cannot
// be delivered, when the breaker is open, or when ctx ends; callers
// bound it with a short deadline. It returns the number of records
// still pending.
func (u *Uploader) Flush(ctx context.Context) (uint64, error) {
	for {
		cursor := u.store.Cursor()
		if cursor.Pending() == 0 || u.State().IsTerminal() || ctx.Err() != nil {
			return cursor.Pending(), nil
		}
		delivered, err := u.deliverNext(ctx, true)
		if err != nil {
			return u.store.Cursor().Pending(), err
		}
		if !delivered {
			return u.store.Cursor().Pending(), nil
		}
	}
}

// deliverNext forms (or resumes) the in-flight batch and runs its
// retry state machine. It reports whether the batch was acknowledged.
// In final mode an open breaker ends the attempt instead of waiting.
func (u *Uploader) deliverNext(ctx context.Context, final bool) (bool, error) {
	batch, records, err := u.nextBatch(ctx)
	if err != nil {
		return false, err
	}
	request, err := buildRequest(u.store.TaskID(), batch, records, u.config.Compression, u.config.CompressThreshold)
	if err != nil {
		return false, err
	}
	return u.deliver(ctx, batch, request, final)
}

// nextBatch returns the in-flight batch and its records, beginning a
// new batch over the oldest pending records if none is in flight.
func (u *Uploader) nextBatch(ctx context.Context) (recordstore.InFlightBatch, []schema.LogRecord, error) {
	cursor := u.store.Cursor()
	if inflight := cursor.InFlight; inflight != nil {
		records, err := u.store.ReadRange(ctx, inflight.StartSeq, int(inflight.EndSeq-inflight.StartSeq+1))
		if err != nil {
			return recordstore.InFlightBatch{}, nil, fmt.Errorf("uploader: reading batch %d: %w", inflight.ClientSeq, err)
		}
		return *inflight, records, nil
	}

	records, err := u.store.ReadRange(ctx, cursor.AckedSeq+1, u.config.BatchRecords)
	if err != nil {
		return recordstore.InFlightBatch{}, nil, fmt.Errorf("uploader: reading pending records: %w", err)
	}
	if len(records) == 0 {
		return recordstore.InFlightBatch{}, nil, fmt.Errorf("uploader: %d records pending but none readable after seq %d",
			cursor.Pending(), cursor.AckedSeq)
	}

	size := 0
	for i, record := range records {
		size += len(record.Payload)
		if i > 0 && size > u.config.BatchMaxBytes {
			records = records[:i]
			break
		}
	}

	batch, err := u.store.BeginBatch(ctx, records[0].Seq, records[len(records)-1].Seq)
	if err != nil {
		return recordstore.InFlightBatch{}, nil, fmt.Errorf("uploader: %w", err)
	}
	return batch, records, nil
}

// deliver is the per-batch retry state machine. Each iteration is one
// of: skipped (breaker open, waits for the open period without
// counting), attempted and acknowledged (done), or attempted and
// failed (backoff, up to RetryCount retries).
func (u *Uploader) deliver(ctx context.Context, batch recordstore.InFlightBatch, request *schema.BatchRequest, final bool) (bool, error) {
	breakerInstance := u.config.Breaker
	attempt := 0
	backoff := u.config.RetryInterval
	logger := u.logger.With(
		"client_seq", batch.ClientSeq,
		"start_seq", batch.StartSeq,
		"end_seq", batch.EndSeq,
		"endpoint", breakerInstance.Endpoint(),
	)

	for {
		if ctx.Err() != nil {
			return false, nil
		}

		if !breakerInstance.Allow() {
			u.setState(StateRetrying, u.LastError())
			if final {
				logger.Debug("circuit open, leaving batch queued")
				return false, nil
			}
			// Half-open with another uploader probing: poll at the
			// retry interval until the trial batch resolves.
			wait := breakerInstance.OpenUntil().Sub(u.clock.Now())
			if wait <= 0 {
				wait = u.config.RetryInterval
			}
			logger.Debug("circuit open, skipping attempt", "retry_in", wait)
			if !u.wait(ctx, wait, nil) {
				return false, nil
			}
			continue
		}

		attempt++
		ack, err := u.config.Sender.SubmitBatch(ctx, request)
		if err == nil && ack.AckedSeq < batch.StartSeq {
			err = &transport.ProtocolError{
				Path:   transport.PathBatch,
				Reason: fmt.Sprintf("acknowledged seq %d does not reach batch start %d", ack.AckedSeq, batch.StartSeq),
			}
		}
		if err == nil {
			breakerInstance.Success()
			return true, u.complete(ctx, batch, ack, logger)
		}

		if ctx.Err() != nil {
			// Cancelled mid-request: neither a success nor a
			// failure of the endpoint.
			breakerInstance.Abandon()
			return false, nil
		}

		switch {
		case transport.IsAuth(err):
			// The server answered; the endpoint is healthy.
			breakerInstance.Success()
			logger.Error("server rejected credentials, uploads stopped", "error", err)
			u.setState(StateAuthFailed, err)
			return false, nil
		case transport.IsTaskDeleted(err):
			breakerInstance.Success()
			logger.Warn("server deleted the task, uploads stopped", "error", err)
			u.setState(StateTaskDeleted, err)
			return false, nil
		}

		breakerInstance.Failure()
		if transport.IsProtocol(err) {
			logger.Error("batch rejected by server", "attempt", attempt, "kind", transport.Kind(err), "error", err)
		} else {
			logger.Warn("batch upload failed", "attempt", attempt, "kind", transport.Kind(err), "error", err)
		}
		u.setState(StateRetrying, err)

		if limit := u.config.GiveUpAfterOpens; limit > 0 && breakerInstance.Opens() >= limit {
			logger.Warn("giving up on server", "breaker_opens", breakerInstance.Opens())
			u.setState(StateOffline, err)
			return false, nil
		}
		if attempt > u.config.RetryCount {
			logger.Warn("batch retries exhausted, records stay queued", "attempts", attempt)
			return false, nil
		}

		if !u.wait(ctx, backoff, nil) {
			return false, nil
		}
		backoff = min(backoff*2, u.config.MaxRetryInterval)
	}
}

// complete records an acknowledgement and prunes what it covers.
func (u *Uploader) complete(ctx context.Context, batch recordstore.InFlightBatch, ack *schema.BatchAck, logger *slog.Logger) error {
	// Storage writes use a context that survives cancellation: the
	// server has the data and the cursor must reflect it.
	storeContext := context.WithoutCancel(ctx)

	acked, err := u.store.CompleteBatch(storeContext, batch.ClientSeq, ack.AckedSeq)
	if err != nil {
		return fmt.Errorf("uploader: recording acknowledgement: %w", err)
	}
	if !u.config.KeepUploaded {
		if err := u.store.Prune(storeContext, acked); err != nil {
			return fmt.Errorf("uploader: %w", err)
		}
	}

	u.mu.Lock()
	u.batches++
	u.mu.Unlock()
	u.setState(StateOnline, nil)
	logger.Debug("batch acknowledged", "acked_seq", acked, "duplicate", ack.Duplicate)
	return nil
}

// wait blocks for d, until wake fires, or until ctx ends. It returns
// false only when ctx ended.
func (u *Uploader) wait(ctx context.Context, d time.Duration, wake <-chan struct{}) bool {
	timer := u.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-wake:
		return true
	case <-ctx.Done():
		return false
	}
}
