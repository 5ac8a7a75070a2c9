package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"ingestor/internal/storage"

	"github.com/rs/zerolog/log"
	"rsc.io/pdf"
)

const (
	CategoryExtract = "extract_error"
	CategoryStorage = "storage_error"
	// ExtractedSuffix and MetadataSuffix name the objects written next to a payload.
	ExtractedSuffix      = ".txt"
	MetadataSuffix       = ".meta.json"
	textProgressInterval = 64 * 1024
)

var textExtensions = map[string]struct{}{
	".txt": {}, ".md": {}, ".csv": {}, ".json": {}, ".xml": {}, ".html": {}, ".rtf": {},
}

// Extractor is the in-process content processor. Text documents and PDFs get their
// text written next to the object as <key>.txt; other media get a metadata record.
type Extractor struct {
	store storage.Storage
}

func NewExtractor(store storage.Storage) *Extractor {
	return &Extractor{store: store}
}

// Process extracts the payload and returns a source id derived from its key.
func (e *Extractor) Process(ctx context.Context, req Request, progress ProgressFunc) (Result, error) {
	if progress == nil {
		progress = func(float64) {}
	}
	var err error
	ext := strings.ToLower(filepath.Ext(req.Filename))
	switch {
	case ext == ".pdf" || strings.HasPrefix(req.MimeType, "application/pdf"):
		err = e.processPDF(ctx, req, progress)
	case isText(ext, req.MimeType):
		err = e.processText(ctx, req, progress)
	default:
		err = e.writeMetadata(ctx, req, progress)
	}
	if err != nil {
		return Result{}, err
	}
	return Result{SourceID: SourceID(req.StorageKey)}, nil
}

func isText(ext, mime string) bool {
	if _, ok := textExtensions[ext]; ok {
		return true
	}
	return strings.HasPrefix(mime, "text/")
}

func (e *Extractor) readAll(ctx context.Context, key string) ([]byte, error) {
	rc, err := e.store.Open(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, Permanent(CategoryStorage, err)
		}
		return nil, Transient(CategoryStorage, err)
	}
	defer func() { _ = rc.Close() }()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, Transient(CategoryStorage, fmt.Errorf("read object: %w", err))
	}
	return b, nil
}

func (e *Extractor) processText(ctx context.Context, req Request, progress ProgressFunc) error {
	raw, err := e.readAll(ctx, req.StorageKey)
	if err != nil {
		return err
	}
	if !utf8.Valid(raw) {
		return Permanent(CategoryExtract, errors.New("document is not valid utf-8 text"))
	}
	var out bytes.Buffer
	total := len(raw)
	for start := 0; start < total; start += textProgressInterval {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+textProgressInterval, total)
		out.Write(bytes.ReplaceAll(raw[start:end], []byte("\r\n"), []byte("\n")))
		progress(float64(end) * 90 / float64(total))
	}
	return e.save(ctx, req, out.Bytes(), progress)
}

func (e *Extractor) processPDF(ctx context.Context, req Request, progress ProgressFunc) (err error) {
	raw, err := e.readAll(ctx, req.StorageKey)
	if err != nil {
		return err
	}
	// rsc.io/pdf panics on malformed documents
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(CategoryExtract, fmt.Errorf("malformed pdf: %v", r))
		}
	}()
	doc, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return Permanent(CategoryExtract, fmt.Errorf("open pdf: %w", err))
	}
	total := doc.NumPage()
	var out strings.Builder
	for page := 1; page <= total; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := doc.Page(page)
		if p.V.IsNull() {
			continue
		}
		parts := make([]string, 0, len(p.Content().Text))
		for _, text := range p.Content().Text {
			if strings.TrimSpace(text.S) == "" {
				continue
			}
			parts = append(parts, text.S)
		}
		out.WriteString(strings.Join(parts, " "))
		out.WriteString("\n\f\n")
		progress(float64(page) * 90 / float64(total))
	}
	log.Debug().Str("file_id", req.FileID).Int("pages", total).Msg("pdf text extracted")
	return e.save(ctx, req, []byte(out.String()), progress)
}

func (e *Extractor) writeMetadata(ctx context.Context, req Request, progress ProgressFunc) error {
	meta, err := json.Marshal(req)
	if err != nil {
		return Permanent(CategoryExtract, fmt.Errorf("encode metadata: %w", err))
	}
	if _, err := e.store.Put(ctx, req.StorageKey+MetadataSuffix, bytes.NewReader(meta), nil); err != nil {
		return e.storageErr(ctx, err)
	}
	progress(100)
	return nil
}

func (e *Extractor) save(ctx context.Context, req Request, text []byte, progress ProgressFunc) error {
	if _, err := e.store.Put(ctx, req.StorageKey+ExtractedSuffix, bytes.NewReader(text), nil); err != nil {
		return e.storageErr(ctx, err)
	}
	progress(100)
	return nil
}

func (e *Extractor) storageErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err() //nolint:wrapcheck
	}
	return Transient(CategoryStorage, err)
}
