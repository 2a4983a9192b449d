// Package pipeline contains the worker-side orchestrator: the three-phase
// commit protocol around the five processing stages, the retry policy, and
// the lease janitor.
//
// Phase A acquires the document row under a row lock and stamps a lease.
// Phase B runs the stages without holding any lock, refreshing the lease
// periodically. Phase C re-locks the row, verifies the lease is still held,
// and commits exactly one terminal transition.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"brant.roofing.org/analyze"
	"brant.roofing.org/common"
	"brant.roofing.org/config"
	"brant.roofing.org/model"
	"brant.roofing.org/storage"
	"brant.roofing.org/store"
)

// Store is the document-store contract the orchestrator needs. It is
// satisfied by store.DocumentStore and by fakes in tests.
type Store interface {
	Acquire(ctx context.Context, id, leaseID string, leaseFor time.Duration) (store.AcquireResult, error)
	RefreshLease(ctx context.Context, id, leaseID string, leaseFor time.Duration) error
	ReleaseForRetry(ctx context.Context, id, leaseID string) error
	SetStage(ctx context.Context, id, leaseID, stage string)
	CommitResult(ctx context.Context, id, leaseID string, estimate *model.Estimate) error
	CommitFailure(ctx context.Context, id, leaseID, kind, message string) error
	CommitCancel(ctx context.Context, id, leaseID string) error
	CancelRequested(ctx context.Context, id string) (bool, error)
}

// Publisher is the broker contract for retries and dead-lettering.
type Publisher interface {
	Publish(job model.Job) error
	PublishDeadLetter(job model.Job) error
}

// Blobs is the blob-store contract used during Phase B.
type Blobs interface {
	Download(ctx context.Context, objectName, destDir string) (string, error)
	Delete(ctx context.Context, objectName string) error
}

// CancelFlags is the fast-path cancellation check backed by redis. The DB
// flag remains authoritative; the cache just avoids a query per boundary.
type CancelFlags interface {
	CancelFlagged(ctx context.Context, documentID string) (bool, error)
}

// Stage contracts, satisfied by the stage packages and by fakes in tests.
type (
	Analyzer interface {
		Classify(ctx context.Context, path string, hint model.DocumentKind) (analyze.Classification, error)
	}
	Extractor interface {
		Extract(ctx context.Context, path string, kind model.DocumentKind, scratchDir string) (*model.ExtractedContent, error)
	}
	Measurer interface {
		Measure(ctx context.Context, content *model.ExtractedContent) (*model.RoofMeasurementResult, error)
	}
	Interpreter interface {
		Interpret(ctx context.Context, content *model.ExtractedContent) (*model.Interpretation, error)
	}
	Composer interface {
		Compose(interp *model.Interpretation, measurement *model.RoofMeasurementResult) (*model.Estimate, error)
	}
)

// Orchestrator drives one document through the pipeline per job delivery.
type Orchestrator struct {
	store       Store
	blobs       Blobs
	publisher   Publisher
	cancelFlags CancelFlags

	analyzer    Analyzer
	extractor   Extractor
	measurer    Measurer
	interpreter Interpreter
	composer    Composer

	cfg config.PipelineConfig
}

// New wires an Orchestrator. cancelFlags may be nil when redis is not
// deployed; the DB flag is then the only cancellation signal.
func New(st Store, blobs Blobs, publisher Publisher, cancelFlags CancelFlags,
	analyzer Analyzer, extractor Extractor, measurer Measurer,
	interpreter Interpreter, composer Composer, cfg config.PipelineConfig) *Orchestrator {
	return &Orchestrator{
		store:       st,
		blobs:       blobs,
		publisher:   publisher,
		cancelFlags: cancelFlags,
		analyzer:    analyzer,
		extractor:   extractor,
		measurer:    measurer,
		interpreter: interpreter,
		composer:    composer,
		cfg:         cfg,
	}
}

// jobState threads the intermediate stage outputs through one Phase B run.
type jobState struct {
	doc     *model.Document
	leaseID string
	scratch string
	pdfPath string

	classification analyze.Classification
	content        *model.ExtractedContent
	measurement    *model.RoofMeasurementResult
	interpretation *model.Interpretation
	estimate       *model.Estimate

	started         time.Time
	stagesCompleted []string
}

// stageDef is one entry of the data-driven pipeline description.
type stageDef struct {
	name    string
	timeout time.Duration
	run     func(ctx context.Context, js *jobState) error
}

func (o *Orchestrator) stages() []stageDef {
	t := o.cfg.StageTimeouts
	return []stageDef{
		{"analyze", t.Analyze, o.runAnalyze},
		{"extract", t.Extract, o.runExtract},
		{"measure", t.Measure, o.runMeasure},
		{"interpret", t.Interpret, o.runInterpret},
		{"compose", t.Compose, o.runCompose},
	}
}

// Process handles one job delivery end to end. A nil return means the
// delivery should be acked; the job either reached a terminal commit, was
// requeued for retry, or was a duplicate.
func (o *Orchestrator) Process(ctx context.Context, job model.Job) error {
	leaseID := uuid.New().String()
	log := common.Logger.WithFields(logrus.Fields{
		"document_id": job.DocumentID,
		"attempt":     job.Attempt,
		"lease_id":    leaseID,
	})

	// Phase A.
	acq, err := o.store.Acquire(ctx, job.DocumentID, leaseID, o.cfg.LeaseDuration)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			log.Warn("job references unknown document, dropping")
			return nil
		}
		return fmt.Errorf("phase A failed: %w", err)
	}
	if !acq.Acquired {
		log.WithField("status", acq.Document.Status).Info("duplicate delivery, dropping")
		return nil
	}
	doc := acq.Document
	log.Info("document acquired")

	// Phase B runs under the hard wall-clock cap. Lease loss and observed
	// cancellation abort it through the cancel cause.
	jobCtx, cancel := context.WithCancelCause(ctx)
	timeoutCtx, cancelTimeout := context.WithTimeout(jobCtx, o.cfg.HardJobTimeout)
	defer cancelTimeout()
	defer cancel(nil)

	stopRefresh := o.startLeaseRefresher(timeoutCtx, doc.ID, leaseID, cancel)
	js := &jobState{doc: doc, leaseID: leaseID, started: time.Now().UTC()}
	runErr := o.runPhaseB(timeoutCtx, js)
	stopRefresh()

	// Phase C.
	return o.commit(ctx, log, job, js, runErr)
}

// runPhaseB executes the stage sequence with no row lock held.
func (o *Orchestrator) runPhaseB(ctx context.Context, js *jobState) error {
	scratch, err := os.MkdirTemp(o.cfg.ScratchDir, "job-"+js.doc.ID+"-")
	if err != nil {
		return fmt.Errorf("failed to create scratch dir: %v: %w", err, common.ErrInternal)
	}
	js.scratch = scratch
	defer os.RemoveAll(scratch)

	objectName, err := storage.ObjectNameFromRef(js.doc.BlobRef)
	if err != nil {
		return err
	}
	js.pdfPath, err = o.blobs.Download(ctx, objectName, scratch)
	if err != nil {
		return fmt.Errorf("failed to fetch document content: %v: %w", err, common.ErrUpstream)
	}

	for _, stage := range o.stages() {
		if err := o.checkCancelled(ctx, js.doc.ID); err != nil {
			return err
		}
		o.store.SetStage(ctx, js.doc.ID, js.leaseID, stage.name)

		if err := o.runStage(ctx, stage, js); err != nil {
			return fmt.Errorf("stage %s: %w", stage.name, err)
		}
		js.stagesCompleted = append(js.stagesCompleted, stage.name)
	}
	return nil
}

// runStage applies the stage's soft timeout. A deadline hit on the stage
// context while the job context is still live is a stage timeout, which is
// retryable; a dead job context propagates its cause instead.
func (o *Orchestrator) runStage(ctx context.Context, stage stageDef, js *jobState) error {
	stageCtx := ctx
	cancel := context.CancelFunc(func() {})
	if stage.timeout > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, stage.timeout)
	}
	err := stage.run(stageCtx, js)
	cancel()

	if err == nil {
		return nil
	}
	// Job-level aborts take precedence over the stage's own error: a lost
	// lease or an observed cancellation arrives here as the job context's
	// cause, the hard cap as its deadline.
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		if cause != nil && !errors.Is(cause, ctx.Err()) {
			return cause
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("hard job timeout exceeded: %w", common.ErrStageTimeout)
		}
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("timed out after %s: %w", stage.timeout, common.ErrStageTimeout)
	}
	return err
}

func (o *Orchestrator) runAnalyze(ctx context.Context, js *jobState) error {
	c, err := o.analyzer.Classify(ctx, js.pdfPath, js.doc.KindHint)
	if err != nil {
		return err
	}
	js.classification = c
	return nil
}

func (o *Orchestrator) runExtract(ctx context.Context, js *jobState) error {
	content, err := o.extractor.Extract(ctx, js.pdfPath, js.classification.Kind, js.scratch)
	if err != nil {
		return err
	}
	js.content = content
	return nil
}

// runMeasure only takes the geometric branch for blueprints. A measurement
// that fails for lack of data degrades to the interpretation's area instead
// of failing the document; transient failures still propagate for retry.
func (o *Orchestrator) runMeasure(ctx context.Context, js *jobState) error {
	if js.classification.Kind != model.KindBlueprint {
		return nil
	}
	m, err := o.measurer.Measure(ctx, js.content)
	if err != nil {
		if errors.Is(err, common.ErrInsufficientData) {
			common.Logger.WithError(err).WithField("document_id", js.doc.ID).
				Warn("blueprint measurement unavailable, relying on interpretation")
			return nil
		}
		return err
	}
	js.measurement = m
	return nil
}

func (o *Orchestrator) runInterpret(ctx context.Context, js *jobState) error {
	interp, err := o.interpreter.Interpret(ctx, js.content)
	if err != nil {
		return err
	}
	js.interpretation = interp
	return nil
}

func (o *Orchestrator) runCompose(ctx context.Context, js *jobState) error {
	est, err := o.composer.Compose(js.interpretation, js.measurement)
	if err != nil {
		return err
	}
	est.DocumentID = js.doc.ID
	est.StagesCompleted = append(js.stagesCompleted, "compose")
	est.ElapsedSeconds = time.Since(js.started).Seconds()
	js.estimate = est
	return nil
}

// commit is Phase C plus the retry policy around it.
func (o *Orchestrator) commit(ctx context.Context, log *logrus.Entry, job model.Job, js *jobState, runErr error) error {
	id, leaseID := js.doc.ID, js.leaseID

	switch {
	case runErr == nil:
		if err := o.store.CommitResult(ctx, id, leaseID, js.estimate); err != nil {
			if errors.Is(err, common.ErrConflict) {
				log.WithError(err).Warn("result commit lost the lease race, dropping")
				return nil
			}
			return fmt.Errorf("phase C failed: %w", err)
		}
		log.WithField("elapsed_s", js.estimate.ElapsedSeconds).Info("document completed")
		return nil

	case errors.Is(runErr, common.ErrCancelled):
		if err := o.store.CommitCancel(ctx, id, leaseID); err != nil && !errors.Is(err, common.ErrConflict) {
			return fmt.Errorf("cancel commit failed: %w", err)
		}
		o.deleteBlob(ctx, js.doc)
		log.Info("document cancelled")
		return nil
	}

	if common.Retryable(runErr) && job.Attempt < o.maxAttemptsFor(runErr) {
		log.WithError(runErr).Info("retryable failure, releasing for retry")
		if err := o.store.ReleaseForRetry(ctx, id, leaseID); err != nil {
			if errors.Is(err, common.ErrConflict) {
				return nil
			}
			return fmt.Errorf("failed to release document for retry: %w", err)
		}
		return o.requeue(ctx, job)
	}

	kind := common.ErrorKind(runErr)
	if err := o.store.CommitFailure(ctx, id, leaseID, kind, runErr.Error()); err != nil {
		if errors.Is(err, common.ErrConflict) {
			log.WithError(err).Warn("failure commit lost the lease race, dropping")
			return nil
		}
		return fmt.Errorf("failure commit failed: %w", err)
	}
	o.deleteBlob(ctx, js.doc)
	if err := o.publisher.PublishDeadLetter(model.Job{
		DocumentID: id,
		Attempt:    job.Attempt,
		EnqueuedAt: time.Now().UTC(),
	}); err != nil {
		log.WithError(err).Warn("failed to dead-letter job")
	}
	log.WithError(runErr).WithField("error_kind", kind).Warn("document failed")
	return nil
}

// maxAttemptsFor caps retries per error class. Internal errors get a single
// retry; everything else follows the configured cap.
func (o *Orchestrator) maxAttemptsFor(err error) int {
	if errors.Is(err, common.ErrInternal) {
		return 2
	}
	return o.cfg.RetryMaxAttempts
}

// requeue publishes the next attempt after the backoff delay. The sleep
// happens in-process because the broker has no delayed delivery; prefetch
// keeps the worker from stalling on it.
func (o *Orchestrator) requeue(ctx context.Context, job model.Job) error {
	delay := backoffDelay(job.Attempt, o.cfg.RetryBase, o.cfg.RetryCap)
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		// Shutdown mid-backoff: the janitor recovers the PENDING row.
		return nil
	}
	next := model.Job{DocumentID: job.DocumentID, Attempt: job.Attempt + 1, EnqueuedAt: time.Now().UTC()}
	if err := o.publisher.Publish(next); err != nil {
		// The row is already PENDING; the janitor will requeue it.
		common.Logger.WithError(err).WithField("document_id", job.DocumentID).
			Warn("failed to requeue, deferring to janitor")
	}
	return nil
}

// backoffDelay is base doubled per attempt, capped, with ±20% jitter.
func backoffDelay(attempt int, base, cap time.Duration) time.Duration {
	if base <= 0 {
		base = 2 * time.Second
	}
	if cap <= 0 {
		cap = time.Minute
	}
	d := base
	for i := 1; i < attempt && d < cap; i++ {
		d *= 2
	}
	if d > cap {
		d = cap
	}
	jitter := time.Duration(rand.Int63n(int64(d)*2/5+1)) - d/5
	return d + jitter
}

// startLeaseRefresher keeps the lease alive during Phase B and doubles as a
// cancellation poller. It cancels the job context with the appropriate
// cause when the lease is lost or cancellation is observed.
func (o *Orchestrator) startLeaseRefresher(ctx context.Context, id, leaseID string, cancel context.CancelCauseFunc) func() {
	interval := o.cfg.LeaseRefreshInterval
	if interval <= 0 {
		interval = time.Minute
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if err := o.store.RefreshLease(ctx, id, leaseID, o.cfg.LeaseDuration); err != nil {
					if errors.Is(err, common.ErrConflict) {
						cancel(fmt.Errorf("lease lost: %w", common.ErrConflict))
						return
					}
					common.Logger.WithError(err).WithField("document_id", id).Warn("lease refresh failed")
					continue
				}
				if cancelled, err := o.cancelRequested(ctx, id); err == nil && cancelled {
					cancel(fmt.Errorf("cancellation observed: %w", common.ErrCancelled))
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

// checkCancelled is the stage-boundary cancellation check.
func (o *Orchestrator) checkCancelled(ctx context.Context, id string) error {
	cancelled, err := o.cancelRequested(ctx, id)
	if err != nil {
		return err
	}
	if cancelled {
		return fmt.Errorf("cancellation requested: %w", common.ErrCancelled)
	}
	return nil
}

func (o *Orchestrator) cancelRequested(ctx context.Context, id string) (bool, error) {
	if o.cancelFlags != nil {
		if flagged, err := o.cancelFlags.CancelFlagged(ctx, id); err == nil && flagged {
			return true, nil
		}
	}
	return o.store.CancelRequested(ctx, id)
}

// deleteBlob enforces the retention policy for failed and cancelled
// documents. Best effort: an orphaned object is preferable to masking the
// commit outcome.
func (o *Orchestrator) deleteBlob(ctx context.Context, doc *model.Document) {
	objectName, err := storage.ObjectNameFromRef(doc.BlobRef)
	if err != nil {
		return
	}
	if err := o.blobs.Delete(ctx, objectName); err != nil {
		common.Logger.WithError(err).WithField("document_id", doc.ID).Warn("failed to delete blob")
	}
}
