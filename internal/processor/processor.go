package processor

import (
	"context"
	"errors"
	"fmt"

	"ingestor/internal/retry"

	"github.com/google/uuid"
)

// Category assigned to failures nobody classified.
const (
	CategoryUnclassified = "processing_error"
	CategoryTimeout      = "processing_timeout"
)

// Request describes one stored upload handed to a content processor.
type Request struct {
	BatchID         string   `json:"batch_id"`
	FileID          string   `json:"file_id"`
	Filename        string   `json:"filename"`
	MimeType        string   `json:"mime_type"`
	StorageKey      string   `json:"storage_key"`
	Size            int64    `json:"size"`
	NotebookIDs     []string `json:"notebook_ids"`
	Notebooks       []string `json:"notebooks,omitempty"`
	Embed           *bool    `json:"embed,omitempty"`
	Transformations []string `json:"transformations,omitempty"`
}

// Result is what a processor produced for a request.
type Result struct {
	SourceID string `json:"source_id"`
}

// SourceID derives a stable source id from a storage key, so a retried request
// yields the same id.
func SourceID(storageKey string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("ingestor:"+storageKey)).String()
}

// ProgressFunc reports completion of the current request in percent (0..100).
type ProgressFunc func(percent float64)

// Processor turns a stored upload into a source. Implementations must honour ctx
// and should wrap failures with Transient or Permanent.
type Processor interface {
	Process(ctx context.Context, req Request, progress ProgressFunc) (Result, error)
}

// Func adapts a function to Processor.
type Func func(ctx context.Context, req Request, progress ProgressFunc) (Result, error)

func (f Func) Process(ctx context.Context, req Request, progress ProgressFunc) (Result, error) {
	return f(ctx, req, progress)
}

// Error carries the retry class and summary category of a processing failure.
type Error struct {
	Class    retry.Class
	Category string
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Category
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Transient marks err as worth retrying.
func Transient(category string, err error) error {
	return &Error{Class: retry.Transient, Category: category, Err: err}
}

// Permanent marks err as final.
func Permanent(category string, err error) error {
	return &Error{Class: retry.Permanent, Category: category, Err: err}
}

// Classify returns the retry class and category of err. Errors carrying no
// classification are permanent, except deadline overruns which are transient.
func Classify(err error) (retry.Class, string) {
	var perr *Error
	if errors.As(err, &perr) {
		category := perr.Category
		if category == "" {
			category = CategoryUnclassified
		}
		return perr.Class, category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return retry.Transient, CategoryTimeout
	}
	return retry.Permanent, CategoryUnclassified
}

// StatusError is returned when a remote processor answers with a non-2xx code.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("processor http %d", e.StatusCode)
	}
	return fmt.Sprintf("processor http %d: %s", e.StatusCode, e.Body)
}
