package batch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"time"

	"ingestor/internal/lookup"
	"ingestor/internal/processor"
	"ingestor/internal/retry"
	"ingestor/internal/validation"

	"github.com/rs/zerolog/log"
)

// Error categories recorded in error_summary for failures outside the processor.
const (
	CategoryUpload           = "upload_error"
	CategorySourceMissing    = "upload_source_missing"
	CategoryValidation       = "validation_error"
	CategoryNotebookNotFound = "notebook_not_found"
	CategoryNotebookLookup   = "notebook_lookup"
	CategoryInternal         = "internal_error"
)

type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

type lookupError struct{ err error }

func (e *lookupError) Error() string { return "resolve notebooks: " + e.err.Error() }
func (e *lookupError) Unwrap() error { return e.err }

// runItem executes one phase of one file and reports the result to the
// batch aggregator.
func (m *Manager) runItem(item workItem) {
	r := m.runner(item.batchID)
	if r == nil {
		return
	}
	g := r.begin(item)
	if !g.ok {
		return
	}
	defer r.inflight.Done()
	outcome, err := m.safeExecute(r, item, g)
	r.post(resultEvent{item: item, err: err, outcome: outcome})
}

func (m *Manager) safeExecute(r *runner, item workItem, g grant) (out phaseOutcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			pe := &panicError{value: rec, stack: debug.Stack()}
			log.Error().Str("batch_id", item.batchID).Str("file_id", g.file.ID).Str("phase", string(item.phase)).
				Interface("panic", rec).Bytes("stack", pe.stack).Msg("worker panic")
			err = pe
		}
	}()
	switch item.phase {
	case PhaseUpload:
		return m.upload(g.ctx, r, item, &g.file)
	case PhaseValidate:
		return m.validate(g.ctx, &g.file)
	case PhaseProcess:
		return m.process(g.ctx, r, item, &g.file, g)
	}
	return phaseOutcome{}, fmt.Errorf("unknown phase %q", item.phase)
}

// throttle limits how often progress reaches the aggregator. The final 100%
// report is always delivered.
type throttle struct {
	every time.Duration
	last  time.Time
}

func (t *throttle) allow(final bool) bool {
	now := time.Now()
	if !final && now.Sub(t.last) < t.every {
		return false
	}
	t.last = now
	return true
}

func (m *Manager) upload(ctx context.Context, r *runner, item workItem, f *File) (phaseOutcome, error) {
	src, err := os.Open(f.SourcePath)
	if err != nil {
		return phaseOutcome{}, fmt.Errorf("open payload: %w", err)
	}
	defer func() { _ = src.Close() }()

	hasher := sha256.New()
	t := &throttle{every: m.opts.ProgressInterval}
	size := f.FileSize
	report := func(written int64) {
		final := written >= size
		if !t.allow(final) {
			return
		}
		pct := 100.0
		if size > 0 {
			pct = float64(written) * 100 / float64(size)
		}
		r.post(progressEvent{fileIdx: item.fileIdx, phase: PhaseUpload, percent: pct, bytes: written})
	}

	n, err := m.storage.Put(ctx, f.StorageKey, io.TeeReader(src, hasher), report)
	if err != nil {
		return phaseOutcome{}, fmt.Errorf("store payload: %w", err)
	}
	if n != size {
		log.Warn().Str("batch_id", item.batchID).Str("file_id", f.ID).Int64("declared", size).Int64("stored", n).
			Msg("payload size differs from declared size")
	}
	return phaseOutcome{storageKey: f.StorageKey, checksum: hex.EncodeToString(hasher.Sum(nil))}, nil
}

func (m *Manager) validate(ctx context.Context, f *File) (phaseOutcome, error) {
	res, err := m.inspector.Inspect(ctx, validation.Subject{
		Key:      f.StorageKey,
		Filename: f.OriginalFilename,
		Size:     f.FileSize,
		Checksum: f.Checksum,
	})
	if err != nil {
		return phaseOutcome{}, err
	}
	return phaseOutcome{mimeType: res.MimeType}, nil
}

func (m *Manager) process(ctx context.Context, r *runner, item workItem, f *File, g grant) (phaseOutcome, error) {
	req := processor.Request{
		BatchID:         item.batchID,
		FileID:          f.ID,
		Filename:        f.OriginalFilename,
		MimeType:        f.MimeType,
		StorageKey:      f.StorageKey,
		Size:            f.FileSize,
		NotebookIDs:     f.NotebookIDs,
		Embed:           g.embed,
		Transformations: g.transformations,
	}
	if m.opts.Resolver != nil && len(f.NotebookIDs) > 0 {
		notebooks, err := m.opts.Resolver.Resolve(ctx, f.NotebookIDs)
		if err != nil {
			return phaseOutcome{}, &lookupError{err: err}
		}
		for _, nb := range notebooks {
			req.Notebooks = append(req.Notebooks, nb.Name)
		}
	}

	t := &throttle{every: m.opts.ProgressInterval}
	res, err := m.processor.Process(ctx, req, func(pct float64) {
		if !t.allow(pct >= 100) {
			return
		}
		r.post(progressEvent{fileIdx: item.fileIdx, phase: PhaseProcess, percent: pct})
	})
	if err != nil {
		return phaseOutcome{}, err //nolint:wrapcheck // classified by the caller
	}
	return phaseOutcome{sourceID: res.SourceID}, nil
}

// classify maps a phase failure to its retry class and error_summary category.
// skip is true when the file should be skipped rather than failed.
func classify(phase Phase, err error) (class retry.Class, category string, skip bool) {
	var perr *panicError
	if errors.As(err, &perr) {
		return retry.Permanent, CategoryInternal, false
	}
	switch phase {
	case PhaseUpload:
		if errors.Is(err, os.ErrNotExist) {
			return retry.Permanent, CategorySourceMissing, false
		}
		return retry.Transient, CategoryUpload, false
	case PhaseValidate:
		var verr *validation.Error
		if errors.As(err, &verr) {
			return retry.Permanent, verr.Category(), verr.Unsupported
		}
		return retry.Permanent, CategoryValidation, false
	}
	var lerr *lookupError
	if errors.As(err, &lerr) {
		if errors.Is(err, lookup.ErrNotFound) {
			return retry.Permanent, CategoryNotebookNotFound, false
		}
		return retry.Transient, CategoryNotebookLookup, false
	}
	class, category = processor.Classify(err)
	return class, category, false
}
