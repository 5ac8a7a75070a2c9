package validation

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"ingestor/internal/storage"

	"github.com/gabriel-vasile/mimetype"
)

const (
	headerSize   = 3072
	scanWindow   = 1024
	ReasonPrefix = "validation_"
)

// Failure reasons. Unsupported types are skipped rather than failed.
const (
	ReasonUnsupportedType  = "unsupported_type"
	ReasonBlockedExtension = "blocked_extension"
	ReasonBlockedContent   = "blocked_content"
	ReasonSuspicious       = "suspicious_content"
	ReasonSizeMismatch     = "size_mismatch"
	ReasonChecksum         = "checksum_mismatch"
)

var (
	DefaultAllowedExtensions = []string{
		".pdf", ".doc", ".docx", ".txt", ".md", ".rtf",
		".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp",
		".mp3", ".wav", ".mp4", ".avi", ".mov",
		".csv", ".xlsx", ".json", ".xml", ".html",
	}
	DefaultBlockedExtensions = []string{
		".exe", ".bat", ".cmd", ".scr", ".pif", ".com", ".vbs", ".js", ".jar", ".app", ".deb", ".rpm",
	}

	suspiciousPatterns = [][]byte{
		[]byte("<script"),
		[]byte("javascript:"),
		[]byte("vbscript:"),
		[]byte("data:text/html"),
		[]byte("<?php"),
		[]byte("<%"),
		[]byte("eval("),
		[]byte("exec("),
	}

	// extensionMIME lists the sniffed types accepted for each known extension.
	// Extensions missing here are accepted on name alone.
	extensionMIME = map[string][]string{
		".pdf":  {"application/pdf"},
		".doc":  {"application/msword", "application/x-ole-storage"},
		".docx": {"application/vnd.openxmlformats-officedocument.wordprocessingml.document", "application/zip"},
		".xlsx": {"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", "application/zip"},
		".rtf":  {"text/rtf", "text/plain"},
		".txt":  {"text/plain"},
		".md":   {"text/plain"},
		".csv":  {"text/csv", "text/plain"},
		".json": {"application/json", "text/plain"},
		".xml":  {"text/xml", "application/xml", "text/plain"},
		".html": {"text/html", "text/plain"},
		".jpg":  {"image/jpeg"},
		".jpeg": {"image/jpeg"},
		".png":  {"image/png"},
		".gif":  {"image/gif"},
		".bmp":  {"image/bmp"},
		".webp": {"image/webp"},
		".mp3":  {"audio/mpeg"},
		".wav":  {"audio/wav"},
		".mp4":  {"video/mp4"},
		".avi":  {"video/x-msvideo"},
		".mov":  {"video/quicktime"},
	}

	executableMIME = []string{
		"application/vnd.microsoft.portable-executable",
		"application/x-msdownload",
		"application/x-executable",
		"application/x-elf",
		"application/x-mach-binary",
		"application/java-archive",
		"application/x-sharedlib",
	}
)

// Error is a permanent validation failure.
type Error struct {
	Reason      string
	Detail      string
	Unsupported bool
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return "validation failed: " + e.Reason
	}
	return "validation failed: " + e.Reason + ": " + e.Detail
}

// Category is the error_summary key for the failure.
func (e *Error) Category() string {
	if e.Unsupported {
		return e.Reason
	}
	return ReasonPrefix + e.Reason
}

func newError(reason, format string, args ...any) *Error {
	return &Error{Reason: reason, Detail: fmt.Sprintf(format, args...), Unsupported: reason == ReasonUnsupportedType}
}

// Options configure an Inspector.
type Options struct {
	AllowedExtensions []string
	BlockedExtensions []string
	SniffMIME         bool
	ScanContent       bool
}

// Subject is what the uploader claims about a stored object.
type Subject struct {
	Key      string
	Filename string
	Size     int64
	Checksum string
}

// Result carries facts learned while inspecting.
type Result struct {
	MimeType string
	Size     int64
	Checksum string
}

// Inspector checks a stored upload before it is handed to processing.
type Inspector struct {
	store       storage.Storage
	allowed     map[string]struct{}
	blocked     map[string]struct{}
	sniffMIME   bool
	scanContent bool
}

func NewInspector(store storage.Storage, opts Options) *Inspector {
	if len(opts.AllowedExtensions) == 0 {
		opts.AllowedExtensions = DefaultAllowedExtensions
	}
	if opts.BlockedExtensions == nil {
		opts.BlockedExtensions = DefaultBlockedExtensions
	}
	return &Inspector{
		store:       store,
		allowed:     extensionSet(opts.AllowedExtensions),
		blocked:     extensionSet(opts.BlockedExtensions),
		sniffMIME:   opts.SniffMIME,
		scanContent: opts.ScanContent,
	}
}

// CheckName applies the extension rules only.
func (i *Inspector) CheckName(filename string) error {
	ext := strings.ToLower(filepath.Ext(strings.TrimSpace(filename)))
	if _, bad := i.blocked[ext]; bad {
		return newError(ReasonBlockedExtension, "%s", ext)
	}
	if _, ok := i.allowed[ext]; !ok {
		if ext == "" {
			ext = "(none)"
		}
		return newError(ReasonUnsupportedType, "extension %s not allowed", ext)
	}
	return nil
}

// Inspect reads the stored object once, verifying size and checksum, sniffing
// its MIME type and scanning its head for active content. A sniffed type that
// does not fit the file's extension is reported as unsupported.
func (i *Inspector) Inspect(ctx context.Context, subj Subject) (Result, error) {
	if err := i.CheckName(subj.Filename); err != nil {
		return Result{}, err
	}
	rc, err := i.store.Open(ctx, subj.Key)
	if err != nil {
		return Result{}, fmt.Errorf("open stored object: %w", err)
	}
	defer func() { _ = rc.Close() }()

	header := make([]byte, headerSize)
	n, err := io.ReadFull(rc, header)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return Result{}, fmt.Errorf("read stored object: %w", err)
	}
	header = header[:n]

	hasher := sha256.New()
	_, _ = hasher.Write(header)
	rest, err := io.Copy(hasher, &ctxReader{ctx: ctx, r: rc})
	if err != nil {
		return Result{}, fmt.Errorf("hash stored object: %w", err)
	}
	res := Result{
		Size:     int64(n) + rest,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}

	if subj.Size >= 0 && res.Size != subj.Size {
		return res, newError(ReasonSizeMismatch, "stored %d bytes, expected %d", res.Size, subj.Size)
	}
	if subj.Checksum != "" && !strings.EqualFold(subj.Checksum, res.Checksum) {
		return res, newError(ReasonChecksum, "stored object differs from uploaded bytes")
	}

	if i.sniffMIME {
		mt := mimetype.Detect(header)
		res.MimeType = mt.String()
		ext := strings.ToLower(filepath.Ext(strings.TrimSpace(subj.Filename)))
		if expected, known := extensionMIME[ext]; known && !matchesAny(mt, expected) {
			return res, newError(ReasonUnsupportedType, "detected %s for %s", mt.String(), ext)
		}
		for _, exe := range executableMIME {
			if mt.Is(exe) {
				return res, newError(ReasonBlockedContent, "detected %s", mt.String())
			}
		}
	}

	if i.scanContent {
		window := header
		if len(window) > scanWindow {
			window = window[:scanWindow]
		}
		lower := bytes.ToLower(window)
		for _, p := range suspiciousPatterns {
			if bytes.Contains(lower, p) {
				return res, newError(ReasonSuspicious, "pattern %q", string(p))
			}
		}
	}
	return res, nil
}

// matchesAny walks mt and its parents, so text/html satisfies text/plain and
// a docx satisfies application/zip.
func matchesAny(mt *mimetype.MIME, expected []string) bool {
	for p := mt; p != nil; p = p.Parent() {
		for _, want := range expected {
			if p.Is(want) {
				return true
			}
		}
	}
	return false
}

func extensionSet(exts []string) map[string]struct{} {
	set := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		set[ext] = struct{}{}
	}
	return set
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p) //nolint:wrapcheck // io.Reader contract
}
