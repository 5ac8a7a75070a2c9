package batch

import (
	"context"
	"strings"
	"time"

	"ingestor/internal/lookup"
	"ingestor/internal/notify"
	"ingestor/internal/processor"
	"ingestor/internal/retry"
	"ingestor/internal/storage"
	"ingestor/internal/validation"
)

type Status string

const (
	StatusInitializing Status = "initializing"
	StatusUploading    Status = "uploading"
	StatusValidating   Status = "validating"
	StatusProcessing   Status = "processing"
	StatusPaused       Status = "paused"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type FileStatus string

const (
	FilePending    FileStatus = "pending"
	FileUploading  FileStatus = "uploading"
	FileUploaded   FileStatus = "uploaded"
	FileValidating FileStatus = "validating"
	FileValidated  FileStatus = "validated"
	FileProcessing FileStatus = "processing"
	FileCompleted  FileStatus = "completed"
	FileFailed     FileStatus = "failed"
	FileRetrying   FileStatus = "retrying"
	FileSkipped    FileStatus = "skipped"
)

func (s FileStatus) Terminal() bool {
	return s == FileCompleted || s == FileFailed || s == FileSkipped
}

// ValidFileStatus reports whether s names a file status.
func ValidFileStatus(s string) bool {
	switch FileStatus(s) {
	case FilePending, FileUploading, FileUploaded, FileValidating, FileValidated,
		FileProcessing, FileCompleted, FileFailed, FileRetrying, FileSkipped:
		return true
	}
	return false
}

type Phase string

const (
	PhaseUpload   Phase = "upload"
	PhaseValidate Phase = "validate"
	PhaseProcess  Phase = "process"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority accepts a priority name; empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return p, nil
	}
	return "", &ValidationError{Field: "priority", Reason: "must be one of low, normal, high, urgent"}
}

func (p Priority) rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// durationFactor scales the initial duration estimate.
func (p Priority) durationFactor() float64 {
	switch p {
	case PriorityLow:
		return 2
	case PriorityHigh:
		return 0.5
	case PriorityUrgent:
		return 0.25
	default:
		return 1
	}
}

type Action string

const (
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionCancel Action = "cancel"
	ActionStart  Action = "start"
)

// File is one upload tracked by a batch. Fields after NotebookIDs are engine
// bookkeeping persisted for recovery.
type File struct {
	ID                 string     `json:"file_id"`
	OriginalFilename   string     `json:"original_filename"`
	FileSize           int64      `json:"file_size"`
	MimeType           string     `json:"mime_type"`
	Status             FileStatus `json:"status"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	RetryCount         int        `json:"retry_count"`
	UploadProgress     float64    `json:"upload_progress"`
	ProcessingProgress float64    `json:"processing_progress"`
	NotebookIDs        []string   `json:"notebook_ids"`
	SourceID           string     `json:"source_id,omitempty"`

	RetryPhase    Phase      `json:"retry_phase,omitempty"`
	ErrorCategory string     `json:"error_category,omitempty"`
	StorageKey    string     `json:"storage_key"`
	SourcePath    string     `json:"source_path"`
	OwnsSource    bool       `json:"owns_source,omitempty"`
	Checksum      string     `json:"checksum,omitempty"`
	UploadedBytes int64      `json:"uploaded_bytes"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Batch is a group of files ingested together.
type Batch struct {
	ID                     string         `json:"batch_id"`
	Owner                  string         `json:"owner,omitempty"`
	Status                 Status         `json:"status"`
	Priority               Priority       `json:"priority"`
	AutoStart              bool           `json:"auto_start"`
	Dispatched             bool           `json:"dispatched"`
	Embed                  *bool          `json:"embed,omitempty"`
	Transformations        []string       `json:"transformations,omitempty"`
	NotebookIDs            []string       `json:"notebook_ids"`
	TotalFiles             int            `json:"total_files"`
	TotalSize              int64          `json:"total_size"`
	UploadedSize           int64          `json:"uploaded_size"`
	ProcessedFiles         int            `json:"processed_files"`
	FailedFiles            int            `json:"failed_files"`
	SkippedFiles           int            `json:"skipped_files"`
	ProgressPercentage     float64        `json:"progress_percentage"`
	EstimatedTimeRemaining *float64       `json:"estimated_time_remaining,omitempty"`
	EstimatedDuration      float64        `json:"estimated_duration"`
	ErrorSummary           map[string]int `json:"error_summary"`
	CreatedAt              time.Time      `json:"created_at"`
	StartedAt              *time.Time     `json:"started_at,omitempty"`
	CompletedAt            *time.Time     `json:"completed_at,omitempty"`
	Files                  []File         `json:"files"`
}

// Clone returns a deep copy safe to hand out.
func (b *Batch) Clone() *Batch {
	c := *b
	c.NotebookIDs = append([]string(nil), b.NotebookIDs...)
	c.Transformations = append([]string(nil), b.Transformations...)
	if b.Embed != nil {
		v := *b.Embed
		c.Embed = &v
	}
	if b.EstimatedTimeRemaining != nil {
		v := *b.EstimatedTimeRemaining
		c.EstimatedTimeRemaining = &v
	}
	c.ErrorSummary = make(map[string]int, len(b.ErrorSummary))
	for k, v := range b.ErrorSummary {
		c.ErrorSummary[k] = v
	}
	c.Files = make([]File, len(b.Files))
	for i := range b.Files {
		c.Files[i] = b.Files[i]
		c.Files[i].NotebookIDs = append([]string(nil), b.Files[i].NotebookIDs...)
	}
	return &c
}

// Summary is the lightweight view used by Active.
type Summary struct {
	ID                 string     `json:"batch_id"`
	Status             Status     `json:"status"`
	Priority           Priority   `json:"priority"`
	ProgressPercentage float64    `json:"progress_percentage"`
	TotalFiles         int        `json:"total_files"`
	ProcessedFiles     int        `json:"processed_files"`
	FailedFiles        int        `json:"failed_files"`
	SkippedFiles       int        `json:"skipped_files"`
	TotalSize          int64      `json:"total_size"`
	UploadedSize       int64      `json:"uploaded_size"`
	CreatedAt          time.Time  `json:"created_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
}

// Stats aggregates counters across batches.
type Stats struct {
	TotalBatches      int            `json:"total_batches"`
	ActiveBatches     int            `json:"active_batches"`
	ProcessingBatches int            `json:"processing_batches"`
	PausedBatches     int            `json:"paused_batches"`
	CompletedBatches  int            `json:"completed_batches"`
	FailedBatches     int            `json:"failed_batches"`
	CancelledBatches  int            `json:"cancelled_batches"`
	TotalFiles        int            `json:"total_files"`
	ProcessedFiles    int            `json:"processed_files"`
	FailedFiles       int            `json:"failed_files"`
	SkippedFiles      int            `json:"skipped_files"`
	TotalSizeBytes    int64          `json:"total_size_bytes"`
	TotalSizeMB       float64        `json:"total_size_mb"`
	AverageBatchSize  float64        `json:"average_batch_size"`
	ErrorSummary      map[string]int `json:"error_summary"`
	ByStatus          map[Status]int `json:"by_status"`
	QueuedItems       int            `json:"queued_items"`
	Busy              bool           `json:"busy"`
	WorkerSlots       int            `json:"worker_slots"`
	Pressure          string         `json:"pressure,omitempty"`
}

// Source is a payload handed to Init. Path must stay readable until the file
// finishes its upload phase; Owned sources are removed by the engine afterwards.
type Source struct {
	Filename    string
	Size        int64
	MimeType    string
	Path        string
	Owned       bool
	NotebookIDs []string
}

// InitRequest describes a new batch. A nil AutoStart means true.
type InitRequest struct {
	Files           []Source
	NotebookIDs     []string
	Transformations []string
	Priority        Priority
	AutoStart       *bool
	Embed           *bool
	Owner           string
}

// Options configure a Manager.
type Options struct {
	DataDir            string
	MaxConcurrentFiles int
	MaxBatchFiles      int
	MaxFileSize        int64
	MaxBatchSize       int64
	EventBuffer        int
	ETASamples         int
	ProgressInterval   time.Duration
	Retry              retry.Policy
	Validation         validation.Options

	Store     BatchStore
	Storage   storage.Storage
	Processor processor.Processor
	Resolver  *lookup.Resolver
	Publisher notify.Publisher
	// Admission, when set, is asked before each item is handed to a worker.
	// While it returns an error the item waits AdmissionRetry and asks again.
	Admission      Admission
	AdmissionRetry time.Duration
}

// Admission reports whether the host can take more work.
type Admission interface {
	Check(ctx context.Context) error
}

const (
	defaultMaxConcurrent    = 3
	defaultMaxBatchFiles    = 50
	defaultMaxFileSize      = 100 << 20
	defaultMaxBatchSize     = 1 << 30
	defaultEventBuffer      = 256
	defaultETASamples       = 10
	defaultProgressInterval = 100 * time.Millisecond
	defaultAdmissionRetry   = 5 * time.Second
	maxEstimatedDuration    = 3600
)
