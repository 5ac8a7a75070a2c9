package api

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cast"

	"ingestor/internal/batch"
	fileutil "ingestor/internal/file"
)

// SessionHeader scopes listings to one client session.
const SessionHeader = "X-Session-ID"

// multipartOverhead covers form fields and part headers on top of the payload bytes.
const multipartOverhead = 1 << 20

var errRequestTooLarge = errors.New("request body too large")

type initResponse struct {
	BatchID           string       `json:"batch_id"`
	Status            batch.Status `json:"status"`
	TotalFiles        int          `json:"total_files"`
	TotalSize         int64        `json:"total_size"`
	EstimatedDuration float64      `json:"estimated_duration"`
	Message           string       `json:"message"`
}

type fileSnapshot struct {
	ID                 string           `json:"file_id"`
	OriginalFilename   string           `json:"original_filename"`
	FileSize           int64            `json:"file_size"`
	MimeType           string           `json:"mime_type"`
	Status             batch.FileStatus `json:"status"`
	ErrorMessage       string           `json:"error_message,omitempty"`
	RetryCount         int              `json:"retry_count"`
	UploadProgress     float64          `json:"upload_progress"`
	ProcessingProgress float64          `json:"processing_progress"`
	NotebookIDs        []string         `json:"notebook_ids"`
	SourceID           string           `json:"source_id,omitempty"`
}

type statusResponse struct {
	BatchID                string         `json:"batch_id"`
	Status                 batch.Status   `json:"status"`
	Priority               batch.Priority `json:"priority"`
	ProgressPercentage     float64        `json:"progress_percentage"`
	TotalFiles             int            `json:"total_files"`
	ProcessedFiles         int            `json:"processed_files"`
	FailedFiles            int            `json:"failed_files"`
	SkippedFiles           int            `json:"skipped_files"`
	TotalSize              int64          `json:"total_size"`
	UploadedSize           int64          `json:"uploaded_size"`
	Files                  []fileSnapshot `json:"files"`
	EstimatedTimeRemaining *float64       `json:"estimated_time_remaining"`
	ErrorSummary           map[string]int `json:"error_summary"`
	CreatedAt              time.Time      `json:"created_at"`
	StartedAt              *time.Time     `json:"started_at"`
	CompletedAt            *time.Time     `json:"completed_at"`
}

type controlRequest struct {
	Action string `json:"action" binding:"required"`
}

type controlResponse struct {
	Success            bool         `json:"success"`
	Message            string       `json:"message"`
	BatchID            string       `json:"batch_id"`
	CurrentStatus      batch.Status `json:"current_status"`
	ProgressPercentage float64      `json:"progress_percentage"`
}

type activeResponse struct {
	ActiveBatches []batch.Summary `json:"active_batches"`
	TotalActive   int             `json:"total_active"`
}

type filesResponse struct {
	BatchID string         `json:"batch_id"`
	Files   []fileSnapshot `json:"files"`
	Total   int            `json:"total"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type API struct {
	batches    *batch.Manager
	stagingDir string
}

// NewAPI serves the batch manager. Multipart payloads are staged under
// stagingDir so they outlive the request.
func NewAPI(batches *batch.Manager, stagingDir string) *API {
	return &API{batches: batches, stagingDir: stagingDir}
}

// RegisterRoutes registers API routes on the provided gin engine
func (a *API) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", a.Health)
	api := router.Group("/api/batch-uploads")
	{
		api.POST("/init", a.InitBatch)
		api.GET("/active", a.ActiveBatches)
		api.GET("/stats", a.Stats)
		api.GET("/:id/status", a.BatchStatus)
		api.POST("/:id/control", a.ControlBatch)
		api.GET("/:id/files", a.BatchFiles)
		api.GET("/:id/archive", a.BatchArchive)
		api.DELETE("/:id", a.DeleteBatch)
	}
}

func (a *API) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "busy": a.batches.IsBusy()})
}

// InitBatch stages the uploaded files and creates a batch from them.
func (a *API) InitBatch(c *gin.Context) {
	req, cleanup, err := a.initRequest(c)
	if err != nil {
		log.Warn().Err(err).Msg("invalid init request")
		writeError(c, err)
		return
	}
	created, err := a.batches.Init(req)
	if err != nil {
		cleanup()
		log.Warn().Int("files", len(req.Files)).Err(err).Msg("batch init rejected")
		writeError(c, err)
		return
	}
	msg := "batch created, processing started"
	if !created.AutoStart {
		msg = "batch created, waiting for start"
	}
	c.JSON(http.StatusCreated, initResponse{
		BatchID:           created.ID,
		Status:            created.Status,
		TotalFiles:        created.TotalFiles,
		TotalSize:         created.TotalSize,
		EstimatedDuration: created.EstimatedDuration,
		Message:           msg,
	})
}

// initRequest parses the multipart form and stages every file. cleanup removes
// the staged payloads if the batch is never created.
func (a *API) initRequest(c *gin.Context) (batch.InitRequest, func(), error) {
	noop := func() {}
	limits := a.batches.Limits()
	bodyLimit := limits.MaxBatchSize + multipartOverhead
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, bodyLimit)
	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return batch.InitRequest{}, noop, fmt.Errorf("%w: limit is %d bytes", errRequestTooLarge, bodyLimit)
		}
		return batch.InitRequest{}, noop, &batch.ValidationError{Field: "files", Reason: "expected multipart form with files"}
	}
	defer func() { _ = form.RemoveAll() }()
	priority, err := batch.ParsePriority(c.PostForm("priority"))
	if err != nil {
		return batch.InitRequest{}, noop, err
	}
	autoStart, err := optionalBool(c.PostForm("auto_start"), "auto_start")
	if err != nil {
		return batch.InitRequest{}, noop, err
	}
	embed, err := optionalBool(c.PostForm("embed"), "embed")
	if err != nil {
		return batch.InitRequest{}, noop, err
	}
	headers := form.File["files"]
	if err := checkHeaders(headers, limits); err != nil {
		return batch.InitRequest{}, noop, err
	}

	dir := filepath.Join(a.stagingDir, uuid.NewString())
	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Warn().Str("dir", dir).Err(err).Msg("remove staging dir failed")
		}
	}
	sources, err := stageFiles(dir, headers)
	if err != nil {
		cleanup()
		return batch.InitRequest{}, noop, err
	}
	return batch.InitRequest{
		Files:           sources,
		NotebookIDs:     c.PostFormArray("notebook_ids"),
		Priority:        priority,
		AutoStart:       autoStart,
		Embed:           embed,
		Transformations: c.PostFormArray("transformations"),
		Owner:           owner(c),
	}, cleanup, nil
}

// checkHeaders applies the engine limits to the parsed form before anything is staged.
func checkHeaders(headers []*multipart.FileHeader, limits batch.Limits) error {
	if len(headers) == 0 {
		return &batch.ValidationError{Field: "files", Reason: "no files provided"}
	}
	if len(headers) > limits.MaxBatchFiles {
		return &batch.ValidationError{Field: "files", Reason: fmt.Sprintf("too many files: %d (max %d)", len(headers), limits.MaxBatchFiles)}
	}
	var total int64
	for _, fh := range headers {
		if fh.Size > limits.MaxFileSize {
			return &batch.ValidationError{Field: "files", Reason: fmt.Sprintf("%s is too large: %d bytes (max %d)", fh.Filename, fh.Size, limits.MaxFileSize)}
		}
		total += fh.Size
	}
	if total > limits.MaxBatchSize {
		return &batch.ValidationError{Field: "files", Reason: fmt.Sprintf("batch too large: %d bytes (max %d)", total, limits.MaxBatchSize)}
	}
	return nil
}

func stageFiles(dir string, headers []*multipart.FileHeader) ([]batch.Source, error) {
	sources := make([]batch.Source, 0, len(headers))
	for i, fh := range headers {
		src, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("open upload %s: %w", fh.Filename, err)
		}
		path := filepath.Join(dir, fmt.Sprintf("%03d_%s", i, fileutil.SafeName(fh.Filename, "upload")))
		n, err := fileutil.CopyAtomic(path, src)
		_ = src.Close()
		if err != nil {
			return nil, fmt.Errorf("stage upload %s: %w", fh.Filename, err)
		}
		sources = append(sources, batch.Source{
			Filename: fh.Filename,
			Size:     n,
			MimeType: fh.Header.Get("Content-Type"),
			Path:     path,
			Owned:    true,
		})
	}
	return sources, nil
}

func optionalBool(raw, field string) (*bool, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	v, err := cast.ToBoolE(strings.TrimSpace(raw))
	if err != nil {
		return nil, &batch.ValidationError{Field: field, Reason: "must be a boolean"}
	}
	return &v, nil
}

func owner(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader(SessionHeader))
}

// lookup returns the batch if the caller may see it. Batches of another
// session answer as not found.
func (a *API) lookup(c *gin.Context) (*batch.Batch, error) {
	id := c.Param("id")
	snap, err := a.batches.Status(id)
	if err != nil {
		return nil, err
	}
	if o := owner(c); o != "" && snap.Owner != "" && snap.Owner != o {
		return nil, &batch.NotFoundError{ID: id}
	}
	return snap, nil
}

// BatchStatus returns the last published snapshot.
func (a *API) BatchStatus(c *gin.Context) {
	snap, err := a.lookup(c)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toStatusResponse(snap))
}

// ControlBatch applies pause, resume, cancel or start.
func (a *API) ControlBatch(c *gin.Context) {
	var req controlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Str("batch_id", c.Param("id")).Err(err).Msg("invalid control request")
		writeError(c, &batch.ValidationError{Field: "action", Reason: "required"})
		return
	}
	if _, err := a.lookup(c); err != nil {
		writeError(c, err)
		return
	}
	snap, msg, err := a.batches.Control(c.Param("id"), req.Action)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, controlResponse{
		Success:            true,
		Message:            msg,
		BatchID:            snap.ID,
		CurrentStatus:      snap.Status,
		ProgressPercentage: snap.ProgressPercentage,
	})
}

// BatchFiles lists files, optionally filtered by status_filter.
func (a *API) BatchFiles(c *gin.Context) {
	if _, err := a.lookup(c); err != nil {
		writeError(c, err)
		return
	}
	files, err := a.batches.Files(c.Param("id"), c.Query("status_filter"))
	if err != nil {
		writeError(c, err)
		return
	}
	out := toFileSnapshots(files)
	c.JSON(http.StatusOK, filesResponse{BatchID: c.Param("id"), Files: out, Total: len(out)})
}

// BatchArchive streams a zip of the completed files of a batch.
func (a *API) BatchArchive(c *gin.Context) {
	if _, err := a.lookup(c); err != nil {
		writeError(c, err)
		return
	}
	id := c.Param("id")
	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.zip"`, id))
	c.Status(http.StatusOK)
	results, err := a.batches.Export(c.Request.Context(), id, c.Writer)
	if err != nil {
		// headers are already sent; the client sees a truncated zip
		log.Warn().Str("batch_id", id).Err(err).Msg("archive export interrupted")
		return
	}
	log.Debug().Str("batch_id", id).Int("entries", len(results)).Msg("archive exported")
}

// ActiveBatches lists batches that have not finished.
func (a *API) ActiveBatches(c *gin.Context) {
	active := a.batches.Active(owner(c))
	if active == nil {
		active = []batch.Summary{}
	}
	c.JSON(http.StatusOK, activeResponse{ActiveBatches: active, TotalActive: len(active)})
}

func (a *API) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, a.batches.Stats(owner(c)))
}

// DeleteBatch removes a finished batch, or any batch with force=true.
func (a *API) DeleteBatch(c *gin.Context) {
	if _, err := a.lookup(c); err != nil {
		writeError(c, err)
		return
	}
	force, err := cast.ToBoolE(c.DefaultQuery("force", "false"))
	if err != nil {
		writeError(c, &batch.ValidationError{Field: "force", Reason: "must be a boolean"})
		return
	}
	id := c.Param("id")
	if err := a.batches.Delete(c.Request.Context(), id, force); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "batch deleted", "batch_id": id})
}

func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, batch.ErrInvalidInput):
		status, code = http.StatusBadRequest, "validation_error"
	case errors.Is(err, errRequestTooLarge):
		status, code = http.StatusRequestEntityTooLarge, "payload_too_large"
	case errors.Is(err, batch.ErrInvalidAction):
		status, code = http.StatusBadRequest, "invalid_action"
	case errors.Is(err, batch.ErrBatchNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, batch.ErrBatchActive):
		status, code = http.StatusConflict, "batch_active"
	case errors.Is(err, batch.ErrManagerStopped):
		status, code = http.StatusServiceUnavailable, "unavailable"
	}
	if status >= http.StatusInternalServerError {
		log.Error().Str("path", c.Request.URL.Path).Err(err).Msg("request failed")
	}
	c.JSON(status, errorResponse{Error: code, Message: err.Error()})
}

func toStatusResponse(b *batch.Batch) statusResponse {
	return statusResponse{
		BatchID:                b.ID,
		Status:                 b.Status,
		Priority:               b.Priority,
		ProgressPercentage:     b.ProgressPercentage,
		TotalFiles:             b.TotalFiles,
		ProcessedFiles:         b.ProcessedFiles,
		FailedFiles:            b.FailedFiles,
		SkippedFiles:           b.SkippedFiles,
		TotalSize:              b.TotalSize,
		UploadedSize:           b.UploadedSize,
		Files:                  toFileSnapshots(b.Files),
		EstimatedTimeRemaining: b.EstimatedTimeRemaining,
		ErrorSummary:           b.ErrorSummary,
		CreatedAt:              b.CreatedAt,
		StartedAt:              b.StartedAt,
		CompletedAt:            b.CompletedAt,
	}
}

func toFileSnapshots(files []batch.File) []fileSnapshot {
	out := make([]fileSnapshot, 0, len(files))
	for _, f := range files {
		notebooks := f.NotebookIDs
		if notebooks == nil {
			notebooks = []string{}
		}
		out = append(out, fileSnapshot{
			ID:                 f.ID,
			OriginalFilename:   f.OriginalFilename,
			FileSize:           f.FileSize,
			MimeType:           f.MimeType,
			Status:             f.Status,
			ErrorMessage:       f.ErrorMessage,
			RetryCount:         f.RetryCount,
			UploadProgress:     f.UploadProgress,
			ProcessingProgress: f.ProcessingProgress,
			NotebookIDs:        notebooks,
			SourceID:           f.SourceID,
		})
	}
	return out
}
