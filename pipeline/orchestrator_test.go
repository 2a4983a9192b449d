package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brant.roofing.org/analyze"
	"brant.roofing.org/common"
	"brant.roofing.org/config"
	"brant.roofing.org/model"
	"brant.roofing.org/store"
)

type fakeStore struct {
	acquireResult store.AcquireResult
	acquireErr    error
	cancelFlag    bool

	refreshed   int
	released    []string
	stages      []string
	committed   *model.Estimate
	failedKind  string
	failedMsg   string
	cancelledID string
}

func (f *fakeStore) Acquire(ctx context.Context, id, leaseID string, leaseFor time.Duration) (store.AcquireResult, error) {
	return f.acquireResult, f.acquireErr
}

func (f *fakeStore) RefreshLease(ctx context.Context, id, leaseID string, leaseFor time.Duration) error {
	f.refreshed++
	return nil
}

func (f *fakeStore) ReleaseForRetry(ctx context.Context, id, leaseID string) error {
	f.released = append(f.released, id)
	return nil
}

func (f *fakeStore) SetStage(ctx context.Context, id, leaseID, stage string) {
	f.stages = append(f.stages, stage)
}

func (f *fakeStore) CommitResult(ctx context.Context, id, leaseID string, estimate *model.Estimate) error {
	f.committed = estimate
	return nil
}

func (f *fakeStore) CommitFailure(ctx context.Context, id, leaseID, kind, message string) error {
	f.failedKind, f.failedMsg = kind, message
	return nil
}

func (f *fakeStore) CommitCancel(ctx context.Context, id, leaseID string) error {
	f.cancelledID = id
	return nil
}

func (f *fakeStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	return f.cancelFlag, nil
}

type fakeBlobs struct {
	downloaded []string
	deleted    []string
}

func (f *fakeBlobs) Download(ctx context.Context, objectName, destDir string) (string, error) {
	f.downloaded = append(f.downloaded, objectName)
	path := filepath.Join(destDir, "doc.pdf")
	return path, os.WriteFile(path, []byte("%PDF-1.4"), 0o600)
}

func (f *fakeBlobs) Delete(ctx context.Context, objectName string) error {
	f.deleted = append(f.deleted, objectName)
	return nil
}

type fakePublisher struct {
	published   []model.Job
	deadLetters []model.Job
}

func (f *fakePublisher) Publish(job model.Job) error {
	f.published = append(f.published, job)
	return nil
}

func (f *fakePublisher) PublishDeadLetter(job model.Job) error {
	f.deadLetters = append(f.deadLetters, job)
	return nil
}

// Function adapters for the stage contracts.
type (
	analyzerFunc    func(ctx context.Context, path string, hint model.DocumentKind) (analyze.Classification, error)
	extractorFunc   func(ctx context.Context, path string, kind model.DocumentKind, scratchDir string) (*model.ExtractedContent, error)
	measurerFunc    func(ctx context.Context, content *model.ExtractedContent) (*model.RoofMeasurementResult, error)
	interpreterFunc func(ctx context.Context, content *model.ExtractedContent) (*model.Interpretation, error)
	composerFunc    func(interp *model.Interpretation, measurement *model.RoofMeasurementResult) (*model.Estimate, error)
)

func (f analyzerFunc) Classify(ctx context.Context, path string, hint model.DocumentKind) (analyze.Classification, error) {
	return f(ctx, path, hint)
}
func (f extractorFunc) Extract(ctx context.Context, path string, kind model.DocumentKind, scratchDir string) (*model.ExtractedContent, error) {
	return f(ctx, path, kind, scratchDir)
}
func (f measurerFunc) Measure(ctx context.Context, content *model.ExtractedContent) (*model.RoofMeasurementResult, error) {
	return f(ctx, content)
}
func (f interpreterFunc) Interpret(ctx context.Context, content *model.ExtractedContent) (*model.Interpretation, error) {
	return f(ctx, content)
}
func (f composerFunc) Compose(interp *model.Interpretation, measurement *model.RoofMeasurementResult) (*model.Estimate, error) {
	return f(interp, measurement)
}

// harness bundles an orchestrator with happy-path stage fakes that each test
// overrides as needed.
type harness struct {
	store     *fakeStore
	blobs     *fakeBlobs
	publisher *fakePublisher

	analyzer    analyzerFunc
	extractor   extractorFunc
	measurer    measurerFunc
	interpreter interpreterFunc
	composer    composerFunc

	cfg config.PipelineConfig
}

func newHarness(t *testing.T, kind model.DocumentKind) *harness {
	t.Helper()
	h := &harness{
		store: &fakeStore{acquireResult: store.AcquireResult{
			Acquired: true,
			Document: &model.Document{
				ID:      "doc-1",
				BlobRef: "file:uploads/doc-1/plan.pdf",
				Status:  model.StatusProcessing,
			},
		}},
		blobs:     &fakeBlobs{},
		publisher: &fakePublisher{},
		cfg: config.PipelineConfig{
			ScratchDir:           t.TempDir(),
			LeaseDuration:        time.Minute,
			LeaseRefreshInterval: time.Hour, // never ticks within a test
			HardJobTimeout:       5 * time.Second,
			RetryMaxAttempts:     3,
			RetryBase:            time.Millisecond,
			RetryCap:             2 * time.Millisecond,
		},
	}
	h.analyzer = func(ctx context.Context, path string, hint model.DocumentKind) (analyze.Classification, error) {
		return analyze.Classification{Kind: kind, Confidence: 0.9, PageCount: 2}, nil
	}
	h.extractor = func(ctx context.Context, path string, k model.DocumentKind, scratch string) (*model.ExtractedContent, error) {
		return &model.ExtractedContent{Text: "roof plan"}, nil
	}
	h.measurer = func(ctx context.Context, content *model.ExtractedContent) (*model.RoofMeasurementResult, error) {
		return &model.RoofMeasurementResult{TotalSqft: 10000, Confidence: 0.85, Method: model.MeasureCV}, nil
	}
	h.interpreter = func(ctx context.Context, content *model.ExtractedContent) (*model.Interpretation, error) {
		return &model.Interpretation{Material: "TPO", Confidence: 0.9}, nil
	}
	h.composer = func(interp *model.Interpretation, m *model.RoofMeasurementResult) (*model.Estimate, error) {
		return &model.Estimate{EstimatedCost: 120000, Confidence: 0.8}, nil
	}
	return h
}

func (h *harness) orchestrator() *Orchestrator {
	return New(h.store, h.blobs, h.publisher, nil,
		h.analyzer, h.extractor, h.measurer, h.interpreter, h.composer, h.cfg)
}

// TestProcessCompletes tests the happy path through all five stages
func TestProcessCompletes(t *testing.T) {
	h := newHarness(t, model.KindBlueprint)
	var composed *model.RoofMeasurementResult
	h.composer = func(interp *model.Interpretation, m *model.RoofMeasurementResult) (*model.Estimate, error) {
		composed = m
		return &model.Estimate{EstimatedCost: 120000}, nil
	}

	err := h.orchestrator().Process(context.Background(), model.Job{DocumentID: "doc-1", Attempt: 1})
	require.NoError(t, err)

	require.NotNil(t, h.store.committed)
	assert.Equal(t, "doc-1", h.store.committed.DocumentID)
	assert.Equal(t, []string{"analyze", "extract", "measure", "interpret", "compose"},
		h.store.committed.StagesCompleted)
	assert.NotNil(t, composed)

	assert.Equal(t, []string{"uploads/doc-1/plan.pdf"}, h.blobs.downloaded)
	assert.Empty(t, h.blobs.deleted)
	assert.Empty(t, h.publisher.deadLetters)
}

// TestProcessSkipsMeasureForNonBlueprints tests that stage 3 is a no-op
// outside the blueprint branch
func TestProcessSkipsMeasureForNonBlueprints(t *testing.T) {
	h := newHarness(t, model.KindInspectionReport)
	measured := false
	h.measurer = func(ctx context.Context, content *model.ExtractedContent) (*model.RoofMeasurementResult, error) {
		measured = true
		return nil, nil
	}

	err := h.orchestrator().Process(context.Background(), model.Job{DocumentID: "doc-1", Attempt: 1})
	require.NoError(t, err)
	assert.False(t, measured)
	require.NotNil(t, h.store.committed)
}

// TestProcessDegradesMeasurement tests that an unmeasurable blueprint
// continues on the interpretation instead of failing
func TestProcessDegradesMeasurement(t *testing.T) {
	h := newHarness(t, model.KindBlueprint)
	h.measurer = func(ctx context.Context, content *model.ExtractedContent) (*model.RoofMeasurementResult, error) {
		return nil, fmt.Errorf("no boundary: %w", common.ErrInsufficientData)
	}
	composed := &model.RoofMeasurementResult{TotalSqft: -1} // sentinel
	h.composer = func(interp *model.Interpretation, m *model.RoofMeasurementResult) (*model.Estimate, error) {
		composed = m
		return &model.Estimate{}, nil
	}

	err := h.orchestrator().Process(context.Background(), model.Job{DocumentID: "doc-1", Attempt: 1})
	require.NoError(t, err)
	assert.Nil(t, composed)
	require.NotNil(t, h.store.committed)
}

// TestProcessDropsUnknownDocument tests the poison-message guard
func TestProcessDropsUnknownDocument(t *testing.T) {
	h := newHarness(t, model.KindBlueprint)
	h.store.acquireErr = fmt.Errorf("no row: %w", common.ErrNotFound)

	err := h.orchestrator().Process(context.Background(), model.Job{DocumentID: "ghost", Attempt: 1})
	require.NoError(t, err)
	assert.Empty(t, h.blobs.downloaded)
	assert.Nil(t, h.store.committed)
}

// TestProcessDropsDuplicateDelivery tests Phase A duplicate detection
func TestProcessDropsDuplicateDelivery(t *testing.T) {
	h := newHarness(t, model.KindBlueprint)
	h.store.acquireResult = store.AcquireResult{
		Acquired: false,
		Document: &model.Document{ID: "doc-1", Status: model.StatusCompleted},
	}

	err := h.orchestrator().Process(context.Background(), model.Job{DocumentID: "doc-1", Attempt: 2})
	require.NoError(t, err)
	assert.Empty(t, h.blobs.downloaded)
	assert.Nil(t, h.store.committed)
	assert.Empty(t, h.store.stages)
}

// TestProcessHonorsCancellation tests the stage-boundary cancel check and
// the cancel commit plus blob cleanup that follow
func TestProcessHonorsCancellation(t *testing.T) {
	h := newHarness(t, model.KindBlueprint)
	h.store.cancelFlag = true

	err := h.orchestrator().Process(context.Background(), model.Job{DocumentID: "doc-1", Attempt: 1})
	require.NoError(t, err)

	assert.Equal(t, "doc-1", h.store.cancelledID)
	assert.Equal(t, []string{"uploads/doc-1/plan.pdf"}, h.blobs.deleted)
	assert.Nil(t, h.store.committed)
	assert.Empty(t, h.store.stages, "no stage should start after the flag is seen")
}

// TestProcessRetriesUpstreamFailure tests release-and-requeue with an
// incremented attempt
func TestProcessRetriesUpstreamFailure(t *testing.T) {
	h := newHarness(t, model.KindBlueprint)
	h.extractor = func(ctx context.Context, path string, k model.DocumentKind, scratch string) (*model.ExtractedContent, error) {
		return nil, fmt.Errorf("OCR service unavailable: %w", common.ErrUpstream)
	}

	err := h.orchestrator().Process(context.Background(), model.Job{DocumentID: "doc-1", Attempt: 1})
	require.NoError(t, err)

	assert.Equal(t, []string{"doc-1"}, h.store.released)
	require.Len(t, h.publisher.published, 1)
	assert.Equal(t, 2, h.publisher.published[0].Attempt)
	assert.Empty(t, h.publisher.deadLetters)
	assert.Empty(t, h.blobs.deleted, "blob survives for the retry")
}

// TestProcessDeadLettersExhaustedRetries tests the terminal failure path
// once the attempt cap is hit
func TestProcessDeadLettersExhaustedRetries(t *testing.T) {
	h := newHarness(t, model.KindBlueprint)
	h.extractor = func(ctx context.Context, path string, k model.DocumentKind, scratch string) (*model.ExtractedContent, error) {
		return nil, fmt.Errorf("OCR service unavailable: %w", common.ErrUpstream)
	}

	err := h.orchestrator().Process(context.Background(), model.Job{DocumentID: "doc-1", Attempt: 3})
	require.NoError(t, err)

	assert.Empty(t, h.store.released)
	assert.Equal(t, common.KindUpstream, h.store.failedKind)
	require.Len(t, h.publisher.deadLetters, 1)
	assert.Equal(t, 3, h.publisher.deadLetters[0].Attempt)
	assert.Equal(t, []string{"uploads/doc-1/plan.pdf"}, h.blobs.deleted)
}

// TestProcessFailsFastOnNonRetryable tests that data errors never requeue
func TestProcessFailsFastOnNonRetryable(t *testing.T) {
	h := newHarness(t, model.KindBlueprint)
	h.composer = func(interp *model.Interpretation, m *model.RoofMeasurementResult) (*model.Estimate, error) {
		return nil, fmt.Errorf("no roof area: %w", common.ErrInsufficientData)
	}

	err := h.orchestrator().Process(context.Background(), model.Job{DocumentID: "doc-1", Attempt: 1})
	require.NoError(t, err)

	assert.Empty(t, h.store.released)
	assert.Empty(t, h.publisher.published)
	assert.Equal(t, common.KindInsufficientData, h.store.failedKind)
	require.Len(t, h.publisher.deadLetters, 1)
}

// TestProcessCapsInternalRetries tests the tighter cap for internal errors
func TestProcessCapsInternalRetries(t *testing.T) {
	h := newHarness(t, model.KindBlueprint)
	h.interpreter = func(ctx context.Context, content *model.ExtractedContent) (*model.Interpretation, error) {
		return nil, fmt.Errorf("scratch dir vanished: %w", common.ErrInternal)
	}

	// Attempt 1 still retries.
	err := h.orchestrator().Process(context.Background(), model.Job{DocumentID: "doc-1", Attempt: 1})
	require.NoError(t, err)
	assert.Len(t, h.store.released, 1)

	// Attempt 2 is the last; it dead-letters even though the general cap
	// would allow a third.
	err = h.orchestrator().Process(context.Background(), model.Job{DocumentID: "doc-1", Attempt: 2})
	require.NoError(t, err)
	assert.Len(t, h.store.released, 1)
	assert.Equal(t, common.KindInternal, h.store.failedKind)
}

// TestProcessStageTimeout tests that a stage overrunning its soft timeout
// surfaces as a retryable timeout
func TestProcessStageTimeout(t *testing.T) {
	h := newHarness(t, model.KindBlueprint)
	h.cfg.StageTimeouts.Analyze = 20 * time.Millisecond
	h.analyzer = func(ctx context.Context, path string, hint model.DocumentKind) (analyze.Classification, error) {
		<-ctx.Done()
		return analyze.Classification{}, ctx.Err()
	}

	err := h.orchestrator().Process(context.Background(), model.Job{DocumentID: "doc-1", Attempt: 1})
	require.NoError(t, err)

	assert.Equal(t, []string{"doc-1"}, h.store.released)
	require.Len(t, h.publisher.published, 1)
	assert.Equal(t, 2, h.publisher.published[0].Attempt)
}

// TestBackoffDelay tests the schedule shape including the jitter band
// TestBackoffDelayJitterRange pins the jitter band at twenty percent of
// the computed delay
func TestBackoffDelayJitterRange(t *testing.T) {
	base := 2 * time.Second
	sawWide := false
	for i := 0; i < 500; i++ {
		d := backoffDelay(1, base, time.Minute)
		dev := d - base
		if dev < 0 {
			dev = -dev
		}
		assert.LessOrEqual(t, int64(dev), int64(base)/5)
		if int64(dev) > int64(base)/10 {
			sawWide = true
		}
	}
	assert.True(t, sawWide, "jitter stayed inside ten percent across 500 draws")
}

func TestBackoffDelay(t *testing.T) {
	base, cap := 2*time.Second, time.Minute
	for attempt, want := range map[int]time.Duration{
		1: 2 * time.Second,
		2: 4 * time.Second,
		3: 8 * time.Second,
		9: time.Minute, // capped
	} {
		d := backoffDelay(attempt, base, cap)
		assert.InDelta(t, float64(want), float64(d), 0.2*float64(want)+1,
			"attempt %d", attempt)
	}
}
