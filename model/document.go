// Package model defines the domain types shared by the ingest API and the
// pipeline worker: the Document record, its processing status state machine,
// the intermediate stage outputs, and the final Estimate.
package model

import (
	"time"
)

// DocumentKind classifies an ingested document. It decides the stage-3
// strategy: only blueprints take the measurement branch.
type DocumentKind string

const (
	KindBlueprint        DocumentKind = "blueprint"
	KindInspectionReport DocumentKind = "inspection_report"
	KindExistingEstimate DocumentKind = "existing_estimate"
	KindPhoto            DocumentKind = "photo"
	KindUnknown          DocumentKind = "unknown"
)

// ParseDocumentKind maps free-form text to a DocumentKind, defaulting to
// unknown. Used both for client hints and LLM classifier replies.
func ParseDocumentKind(s string) DocumentKind {
	switch DocumentKind(s) {
	case KindBlueprint, KindInspectionReport, KindExistingEstimate, KindPhoto:
		return DocumentKind(s)
	default:
		return KindUnknown
	}
}

// Document is the authoritative processing unit. It is created by the ingest
// API on successful validation and mutated only by the orchestrator through
// the document store. Documents are never deleted by the core.
type Document struct {
	// ID is an opaque UUID assigned at creation.
	ID string `gorm:"primaryKey;size:36" json:"id"`

	// Filename is the sanitized original filename.
	Filename string `gorm:"size:255;not null" json:"filename"`

	// BlobRef locates the content: "s3:{bucket}/{object}" or
	// "file:{path}".
	BlobRef string `gorm:"size:1024;not null" json:"blob_ref"`

	// SizeBytes is the validated content length.
	SizeBytes int64 `json:"size_bytes"`

	// KindHint is the client-provided document kind, if any.
	KindHint DocumentKind `gorm:"size:32" json:"kind_hint,omitempty"`

	// ProjectKey optionally groups documents by project.
	ProjectKey string `gorm:"size:128;index" json:"project_key,omitempty"`

	// Status is the processing state machine value.
	Status ProcessingStatus `gorm:"size:16;not null;index:idx_documents_status;index:idx_documents_status_lease,priority:1" json:"status"`

	// Stage is the name of the pipeline stage currently executing, for
	// status reporting only.
	Stage string `gorm:"size:32" json:"stage,omitempty"`

	// LeaseID identifies the worker currently holding the document;
	// empty outside PROCESSING.
	LeaseID string `gorm:"size:36" json:"-"`

	// LeaseExpiry is when the lease lapses and the janitor may recover
	// the document.
	LeaseExpiry *time.Time `gorm:"index:idx_documents_status_lease,priority:2" json:"-"`

	// AttemptCount is how many times a worker has acquired this document.
	AttemptCount int `json:"attempt_count"`

	// CancelRequested is set by the cancel endpoint and observed by the
	// orchestrator at stage boundaries.
	CancelRequested bool `json:"-"`

	// ErrorKind and ErrorMessage record the terminal failure, if any.
	ErrorKind    string `gorm:"size:64" json:"error_kind,omitempty"`
	ErrorMessage string `gorm:"size:1024" json:"error_message,omitempty"`

	CreatedAt time.Time `gorm:"index:idx_documents_created_at" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProcessingResult holds the persisted Estimate for a completed document.
// A row exists iff the document status is COMPLETED.
type ProcessingResult struct {
	DocumentID   string    `gorm:"primaryKey;size:36" json:"document_id"`
	EstimateJSON string    `gorm:"type:text;not null" json:"estimate_json"`
	CompletedAt  time.Time `json:"completed_at"`
}

// TableName keeps the legacy table name used by the reporting jobs.
func (ProcessingResult) TableName() string { return "processing_results" }

// Job is the broker payload referencing a document to process.
type Job struct {
	DocumentID string    `json:"document_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
