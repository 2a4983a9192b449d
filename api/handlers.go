// Package api implements the ingest HTTP surface under /api/v1: presigned
// upload slots, document registration, a streamed direct-upload path, and
// the pipeline status endpoints.
package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"brant.roofing.org/common"
	"brant.roofing.org/config"
	"brant.roofing.org/httpkit"
	"brant.roofing.org/model"
	"brant.roofing.org/queue"
	"brant.roofing.org/storage"
	"brant.roofing.org/validate"
)

// DocumentStore is the persistence surface the handlers need.
type DocumentStore interface {
	Create(ctx context.Context, doc *model.Document) error
	Get(ctx context.Context, id string) (*model.Document, error)
	List(ctx context.Context, status model.ProcessingStatus, limit int) ([]model.Document, error)
	GetResult(ctx context.Context, id string) (*model.Estimate, error)
	RequestCancel(ctx context.Context, id string) (*model.Document, error)
	Ping(ctx context.Context) error
}

// Dedupe is the idempotency surface for start-processing.
type Dedupe interface {
	Claim(ctx context.Context, blobName, filename, documentID string) (existingID string, claimed bool, err error)
	FlagCancel(ctx context.Context, documentID string) error
	Ping(ctx context.Context) error
}

// BrokerHealth is the queue surface used by the health endpoint.
type BrokerHealth interface {
	Depth() (int, error)
}

// Handlers carries the API dependencies.
type Handlers struct {
	store     DocumentStore
	blobs     storage.BlobStore
	publisher queue.JobPublisher
	dedupe    Dedupe
	broker    BrokerHealth
	validator *validate.Validator

	bucket     string
	scratchDir string
}

// NewHandlers wires the ingest API. dedupe and broker may be nil in
// degraded deployments; idempotency then falls back to blob-name collisions
// at the store.
func NewHandlers(st DocumentStore, blobs storage.BlobStore, publisher queue.JobPublisher,
	dedupe Dedupe, broker BrokerHealth, cfg *config.Config) *Handlers {
	return &Handlers{
		store:      st,
		blobs:      blobs,
		publisher:  publisher,
		dedupe:     dedupe,
		broker:     broker,
		validator:  validate.New(cfg.Pipeline.MaxFileSizeBytes),
		bucket:     cfg.Blob.Bucket,
		scratchDir: cfg.Pipeline.ScratchDir,
	}
}

// Register mounts all routes under /api/v1. Health stays outside the API
// key gate so probes keep working.
func (h *Handlers) Register(e *echo.Echo, apiKey string) {
	v1 := e.Group("/api/v1")
	v1.GET("/pipeline/health", h.Health)

	guarded := v1
	if apiKey != "" {
		guarded = v1.Group("", KeyAuth(apiKey))
	}
	guarded.POST("/documents/generate-url", h.GenerateURL)
	guarded.POST("/documents/start-processing", h.StartProcessing)
	guarded.POST("/documents/upload", h.Upload)
	guarded.GET("/documents", h.ListDocuments)
	guarded.GET("/documents/:id", h.GetDocument)
	guarded.GET("/pipeline/status/:id", h.Status)
	guarded.GET("/pipeline/results/:id", h.Results)
	guarded.POST("/pipeline/cancel/:id", h.Cancel)
}

// KeyAuth gates requests on the X-API-Key header.
func KeyAuth(validKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Header.Get("X-API-Key") != validKey {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing API key")
			}
			return next(c)
		}
	}
}

type generateURLRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

type generateURLResponse struct {
	UploadURL string `json:"upload_url"`
	BlobName  string `json:"blob_name"`
}

// GenerateURL issues a presigned upload slot. The document row is not
// created yet; that happens at start-processing, after the client has
// actually uploaded the bytes.
func (h *Handlers) GenerateURL(c echo.Context) error {
	var req generateURLRequest
	if err := c.Bind(&req); err != nil {
		return httpkit.RenderError(c, fmt.Errorf("malformed request body: %w", common.ErrValidation))
	}
	if req.ContentType != "application/pdf" {
		return httpkit.RenderError(c, fmt.Errorf("content type must be application/pdf: %w", common.ErrValidation))
	}
	name, err := validate.SanitizeFilename(req.Filename)
	if err != nil {
		return httpkit.RenderError(c, err)
	}

	blobName := storage.ObjectName(uuid.New().String(), name)
	url, err := h.blobs.PresignPut(c.Request().Context(), blobName, req.ContentType)
	if err != nil {
		return httpkit.RenderError(c, err)
	}
	return c.JSON(http.StatusOK, generateURLResponse{UploadURL: url, BlobName: blobName})
}

type startProcessingRequest struct {
	BlobName         string `json:"blob_name"`
	OriginalFilename string `json:"original_filename"`
	DocumentKindHint string `json:"document_kind_hint,omitempty"`
}

type documentCreatedResponse struct {
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
}

// StartProcessing registers an uploaded blob as a document and enqueues its
// job. Idempotent: replays of the same blob and filename inside the dedupe
// window return the original document id without enqueueing again.
func (h *Handlers) StartProcessing(c echo.Context) error {
	ctx := c.Request().Context()

	var req startProcessingRequest
	if err := c.Bind(&req); err != nil {
		return httpkit.RenderError(c, fmt.Errorf("malformed request body: %w", common.ErrValidation))
	}
	if req.BlobName == "" {
		return httpkit.RenderError(c, fmt.Errorf("blob_name is required: %w", common.ErrValidation))
	}
	name, err := validate.SanitizeFilename(req.OriginalFilename)
	if err != nil {
		return httpkit.RenderError(c, err)
	}

	id := uuid.New().String()
	if h.dedupe != nil {
		existingID, claimed, err := h.dedupe.Claim(ctx, req.BlobName, name, id)
		if err != nil {
			common.Logger.WithError(err).Warn("dedupe cache unavailable, proceeding without idempotency")
		} else if !claimed {
			return c.JSON(http.StatusOK, documentCreatedResponse{DocumentID: existingID, Status: "pending"})
		}
	}

	doc := &model.Document{
		ID:       id,
		Filename: name,
		BlobRef:  h.blobRef(req.BlobName),
		KindHint: model.ParseDocumentKind(req.DocumentKindHint),
		Status:   model.StatusPending,
	}
	return h.createAndEnqueue(c, doc)
}

// Upload is the streamed direct-upload alternative: the PDF arrives as
// multipart form data, is validated while streaming to a scratch file, and
// is then stored through the blob adapter.
func (h *Handlers) Upload(c echo.Context) error {
	ctx := c.Request().Context()

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return httpkit.RenderError(c, fmt.Errorf("multipart field 'file' is required: %w", common.ErrValidation))
	}
	if declared := fileHeader.Size; h.validator.MaxBytes > 0 && declared > h.validator.MaxBytes {
		return httpkit.RenderError(c, fmt.Errorf("declared size %d exceeds cap: %w", declared, common.ErrTooLarge))
	}

	src, err := fileHeader.Open()
	if err != nil {
		return httpkit.RenderError(c, fmt.Errorf("failed to read upload: %w", common.ErrValidation))
	}
	defer src.Close()

	tmp, err := os.CreateTemp(h.scratchDir, "upload-*")
	if err != nil {
		return httpkit.RenderError(c, common.Wrapf(common.ErrInternal, "failed to create scratch file"))
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	name, size, err := h.validator.Copy(tmp, src, fileHeader.Filename)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = common.Wrapf(common.ErrInternal, "failed to finalize scratch file")
	}
	if err != nil {
		return httpkit.RenderError(c, err)
	}

	id := uuid.New().String()
	blobName := storage.ObjectName(id, name)

	content, err := os.Open(tmpPath)
	if err != nil {
		return httpkit.RenderError(c, common.Wrapf(common.ErrInternal, "failed to reopen scratch file"))
	}
	defer content.Close()
	if err := h.blobs.Upload(ctx, blobName, content); err != nil {
		return httpkit.RenderError(c, err)
	}

	doc := &model.Document{
		ID:        id,
		Filename:  name,
		BlobRef:   h.blobRef(blobName),
		SizeBytes: size,
		KindHint:  model.ParseDocumentKind(c.FormValue("document_type")),
		Status:    model.StatusPending,
	}
	return h.createAndEnqueue(c, doc)
}

func (h *Handlers) createAndEnqueue(c echo.Context, doc *model.Document) error {
	ctx := c.Request().Context()

	if err := h.store.Create(ctx, doc); err != nil {
		return httpkit.RenderError(c, err)
	}
	job := model.Job{DocumentID: doc.ID, Attempt: 1, EnqueuedAt: time.Now().UTC()}
	if err := h.publisher.Publish(job); err != nil {
		// The row exists but no job does; the operator can re-enqueue.
		// Surfacing the broker failure beats silently losing the document.
		common.Logger.WithError(err).WithField("document_id", doc.ID).Error("failed to enqueue job")
		return httpkit.RenderError(c, err)
	}

	common.Logger.WithFields(logrus.Fields{
		"document_id": doc.ID,
		"filename":    doc.Filename,
		"size_bytes":  doc.SizeBytes,
	}).Info("document registered")
	return c.JSON(http.StatusAccepted, documentCreatedResponse{DocumentID: doc.ID, Status: "pending"})
}

// ListDocuments returns recent documents, optionally filtered by status.
func (h *Handlers) ListDocuments(c echo.Context) error {
	status := model.ProcessingStatus(c.QueryParam("status"))
	if status != "" && !status.Valid() {
		return httpkit.RenderError(c, common.Wrapf(common.ErrValidation, "unknown status %q", status))
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	docs, err := h.store.List(c.Request().Context(), status, limit)
	if err != nil {
		return httpkit.RenderError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"documents": docs,
		"count":     len(docs),
	})
}

// GetDocument returns the document record.
func (h *Handlers) GetDocument(c echo.Context) error {
	doc, err := h.store.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpkit.RenderError(c, err)
	}
	return c.JSON(http.StatusOK, doc)
}

type statusResponse struct {
	Status   model.ProcessingStatus `json:"status"`
	Stage    string                 `json:"stage,omitempty"`
	Progress float64                `json:"progress,omitempty"`
	Error    *statusError           `json:"error,omitempty"`
}

type statusError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// stageProgress maps the currently running stage to a rough completion
// fraction for progress display.
var stageProgress = map[string]float64{
	"analyze":   0.1,
	"extract":   0.3,
	"measure":   0.55,
	"interpret": 0.75,
	"compose":   0.9,
}

// Status reports the processing state of a document.
func (h *Handlers) Status(c echo.Context) error {
	doc, err := h.store.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpkit.RenderError(c, err)
	}

	resp := statusResponse{Status: doc.Status, Stage: doc.Stage}
	switch doc.Status {
	case model.StatusCompleted:
		resp.Progress = 1
	case model.StatusProcessing:
		resp.Progress = stageProgress[doc.Stage]
	}
	if doc.Status == model.StatusFailed {
		resp.Error = &statusError{Kind: doc.ErrorKind, Message: doc.ErrorMessage}
	}
	return c.JSON(http.StatusOK, resp)
}

// Results returns the final estimate for a COMPLETED document. Earlier
// states yield 425 with Retry-After; FAILED yields the stored failure.
func (h *Handlers) Results(c echo.Context) error {
	est, err := h.store.GetResult(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpkit.RenderError(c, err)
	}
	return c.JSON(http.StatusOK, est)
}

// Cancel requests cancellation. PENDING documents cancel immediately;
// PROCESSING ones get flagged for the orchestrator, with a redis fast flag
// so the worker sees it without waiting on a DB poll.
func (h *Handlers) Cancel(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	doc, err := h.store.RequestCancel(ctx, id)
	if err != nil {
		return httpkit.RenderError(c, err)
	}
	if h.dedupe != nil && doc.Status == model.StatusProcessing {
		if err := h.dedupe.FlagCancel(ctx, id); err != nil {
			common.Logger.WithError(err).Debug("cancel fast-flag unavailable")
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "cancelled"})
}

// Health reports liveness plus dependency state. Any failed dependency
// degrades the status without failing the probe.
func (h *Handlers) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	deps := map[string]string{}
	status := "healthy"
	mark := func(name string, err error) {
		if err != nil {
			deps[name] = "unreachable"
			status = "degraded"
			return
		}
		deps[name] = "ok"
	}

	mark("db", h.store.Ping(ctx))
	mark("blob", h.blobs.Ping(ctx))
	if h.broker != nil {
		_, err := h.broker.Depth()
		mark("broker", err)
	}
	if h.dedupe != nil {
		mark("redis", h.dedupe.Ping(ctx))
	}

	return c.JSON(http.StatusOK, map[string]interface{}{"status": status, "deps": deps})
}

// blobRef builds the stored reference for a blob name under the configured
// backend.
func (h *Handlers) blobRef(blobName string) string {
	if h.bucket != "" {
		return fmt.Sprintf("s3:%s/%s", h.bucket, blobName)
	}
	return "file:" + filepath.ToSlash(blobName)
}
