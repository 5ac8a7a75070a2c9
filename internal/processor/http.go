package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	CategoryRemote     = "remote_error"
	CategoryRejected   = "remote_rejected"
	defaultHTTPTimeout = 60 * time.Second
	maxErrorBody       = 512
	maxReplyBody       = 64 << 10
)

// HTTPProcessor hands each request to a remote processing service as JSON.
// 5xx, 429 and transport errors are transient; other 4xx are permanent.
type HTTPProcessor struct {
	Endpoint string
	client   *http.Client
}

func NewHTTP(endpoint string, timeout time.Duration) *HTTPProcessor {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTPProcessor{Endpoint: endpoint, client: &http.Client{Timeout: timeout}}
}

// Process posts req and reads the source id from a JSON reply. A reply without
// one gets the id derived from the storage key.
func (h *HTTPProcessor) Process(ctx context.Context, req Request, progress ProgressFunc) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, Permanent(CategoryUnclassified, fmt.Errorf("encode request: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, Permanent(CategoryUnclassified, fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if progress != nil {
		progress(10)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return Result{}, ctx.Err() //nolint:wrapcheck
		}
		log.Warn().Str("file_id", req.FileID).Err(err).Msg("processor request failed")
		return Result{}, Transient(CategoryRemote, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var res Result
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxReplyBody))
		if len(bytes.TrimSpace(raw)) > 0 {
			if err := json.Unmarshal(raw, &res); err != nil {
				log.Debug().Str("file_id", req.FileID).Err(err).Msg("processor reply is not json")
			}
		}
		if res.SourceID == "" {
			res.SourceID = SourceID(req.StorageKey)
		}
		if progress != nil {
			progress(100)
		}
		return res, nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	log.Warn().Str("file_id", req.FileID).Int("status", resp.StatusCode).Msg("unexpected status code from processor")
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout {
		return Result{}, Transient(CategoryRemote, statusErr)
	}
	return Result{}, Permanent(CategoryRejected, statusErr)
}
