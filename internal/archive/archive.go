package archive

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/rs/zerolog/log"

	fileutil "ingestor/internal/file"
	"ingestor/internal/storage"
)

// ManifestName is the entry listing every result, written last.
const ManifestName = "manifest.json"

// Opener reads stored objects. storage.Storage satisfies it.
type Opener interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// Entry names one stored object to place into the archive.
type Entry struct {
	Name string
	Key  string
	// SourceID is copied into the manifest.
	SourceID string
	// Optional entries whose object does not exist are left out silently.
	Optional bool
}

// Result describes outcome of copying a single object into the zip
type Result struct {
	Name     string `json:"name"`
	Key      string `json:"key"`
	SourceID string `json:"source_id,omitempty"`
	Bytes    int64  `json:"bytes"`
	Err      string `json:"error,omitempty"`
}

// Write streams the entries into a zip on w followed by a manifest. Failed
// entries are reported in their Result and omitted from the archive; the
// returned error is reserved for the zip itself or cancellation.
func Write(ctx context.Context, w io.Writer, src Opener, entries []Entry) ([]Result, error) {
	zw := zip.NewWriter(w)
	seen := make(map[string]struct{}, len(entries)+1)
	seen[ManifestName] = struct{}{}

	results := make([]Result, 0, len(entries))
	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			_ = zw.Close()
			return results, err
		}
		res, ok := copyEntry(ctx, zw, src, e, uniqueName(e.Name, i, seen))
		if !ok {
			continue
		}
		results = append(results, res)
	}

	manifest, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		_ = zw.Close()
		return results, fmt.Errorf("encode manifest: %w", err)
	}
	mw, err := zw.Create(ManifestName)
	if err != nil {
		_ = zw.Close()
		return results, fmt.Errorf("create manifest: %w", err)
	}
	if _, err := mw.Write(manifest); err != nil {
		_ = zw.Close()
		return results, fmt.Errorf("write manifest: %w", err)
	}
	if err := zw.Close(); err != nil {
		log.Error().Err(err).Msg("closing zip writer failed")
		return results, fmt.Errorf("close zip writer: %w", err)
	}
	return results, nil
}

// copyEntry returns ok=false for an optional entry whose object is missing.
func copyEntry(ctx context.Context, zw *zip.Writer, src Opener, e Entry, name string) (Result, bool) {
	result := Result{Name: name, Key: e.Key, SourceID: e.SourceID}

	r, err := src.Open(ctx, e.Key)
	if err != nil {
		if e.Optional && errors.Is(err, storage.ErrNotFound) {
			return result, false
		}
		result.Err = err.Error()
		log.Warn().Str("key", e.Key).Err(err).Msg("open object for archive failed")
		return result, true
	}
	defer func() { _ = r.Close() }()

	ew, err := zw.Create(name)
	if err != nil {
		result.Err = err.Error()
		log.Warn().Str("key", e.Key).Err(err).Msg("zip entry create failed")
		return result, true
	}
	n, err := io.Copy(ew, r)
	result.Bytes = n
	if err != nil {
		result.Err = err.Error()
		log.Warn().Str("key", e.Key).Err(err).Msg("copy into zip failed")
	}
	return result, true
}

// uniqueName keeps entry names flat and distinct: "a.txt", "a-2.txt", ...
func uniqueName(raw string, index int, seen map[string]struct{}) string {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(raw), `\`, "/"))
	if name == "/" || name == "." || name == "" {
		name = fmt.Sprintf("file-%d", index+1)
	}
	candidate := name
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 2; ; n++ {
		if _, dup := seen[candidate]; !dup {
			break
		}
		candidate = fmt.Sprintf("%s-%d%s", stem, n, ext)
	}
	seen[candidate] = struct{}{}
	return candidate
}

// WriteFile builds the archive at destPath, replacing it atomically.
func WriteFile(ctx context.Context, destPath string, src Opener, entries []Entry) ([]Result, error) {
	pr, pw := io.Pipe()
	type outcome struct {
		results []Result
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		results, err := Write(ctx, pw, src, entries)
		_ = pw.CloseWithError(err)
		done <- outcome{results, err}
	}()
	_, copyErr := fileutil.CopyAtomic(destPath, pr)
	_ = pr.Close()
	out := <-done
	if out.err != nil {
		return out.results, out.err
	}
	if copyErr != nil {
		return out.results, fmt.Errorf("write archive: %w", copyErr)
	}
	return out.results, nil
}
