package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"ingestor/internal/storage"
)

func TestUniqueName(t *testing.T) {
	seen := map[string]struct{}{ManifestName: {}}
	cases := []struct {
		in   string
		idx  int
		want string
	}{
		{"a.pdf", 0, "a.pdf"},
		{"dir/a.pdf", 1, "a-2.pdf"},
		{`..\evil\a.pdf`, 2, "a-3.pdf"},
		{"   ", 3, "file-4"},
		{"manifest.json", 4, "manifest-2.json"},
	}
	for _, c := range cases {
		if got := uniqueName(c.in, c.idx, seen); got != c.want {
			t.Fatalf("uniqueName(%q,%d)=%q want %q", c.in, c.idx, got, c.want)
		}
	}
}

func newStore(t *testing.T, objects map[string]string) *storage.LocalStorage {
	t.Helper()
	s := storage.NewLocal(t.TempDir())
	for key, content := range objects {
		if _, err := s.Put(context.Background(), key, strings.NewReader(content), nil); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	return s
}

func readZip(t *testing.T, raw []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	out := make(map[string]string, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open entry %s: %v", f.Name, err)
		}
		body, _ := io.ReadAll(rc)
		_ = rc.Close()
		out[f.Name] = string(body)
	}
	return out
}

func TestWrite_SuccessAndFailures(t *testing.T) {
	src := newStore(t, map[string]string{
		"b1/f1/a.txt":     "hello",
		"b1/f1/a.txt.txt": "hello",
		"b1/f2/a.txt":     "again",
	})
	entries := []Entry{
		{Name: "a.txt", Key: "b1/f1/a.txt", SourceID: "src-1"},
		{Name: "a.txt.txt", Key: "b1/f1/a.txt.txt", Optional: true},
		{Name: "a.txt", Key: "b1/f2/a.txt"},
		{Name: "a.txt.txt", Key: "b1/f2/a.txt.txt", Optional: true},
		{Name: "gone.pdf", Key: "b1/f3/gone.pdf"},
	}

	var buf bytes.Buffer
	results, err := Write(context.Background(), &buf, src, entries)
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("expected 4 results (missing optional dropped), got %+v", results)
	}
	if results[2].Name != "a-2.txt" || results[2].Bytes != 5 {
		t.Fatalf("expected renamed duplicate, got %+v", results[2])
	}
	if results[3].Err == "" {
		t.Fatalf("expected missing required object to be reported, got %+v", results[3])
	}

	files := readZip(t, buf.Bytes())
	if files["a.txt"] != "hello" || files["a-2.txt"] != "again" {
		t.Fatalf("unexpected zip contents: %v", files)
	}
	if _, ok := files["gone.pdf"]; ok {
		t.Fatalf("failed entry must not be archived")
	}
	var manifest []Result
	if err := json.Unmarshal([]byte(files[ManifestName]), &manifest); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	if len(manifest) != len(results) {
		t.Fatalf("manifest has %d entries, want %d", len(manifest), len(results))
	}
	if manifest[0].SourceID != "src-1" || manifest[1].SourceID != "" {
		t.Fatalf("source ids not carried into manifest: %+v", manifest[:2])
	}
}

func TestWrite_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Write(ctx, io.Discard, newStore(t, nil), []Entry{{Name: "a", Key: "k"}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWriteFile(t *testing.T) {
	src := newStore(t, map[string]string{"b/f/x.md": "# x"})
	dest := filepath.Join(t.TempDir(), "out", "b.zip")
	results, err := WriteFile(context.Background(), dest, src, []Entry{{Name: "x.md", Key: "b/f/x.md"}})
	if err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
	if len(results) != 1 || results[0].Err != "" {
		t.Fatalf("unexpected results %+v", results)
	}
	zr, err := zip.OpenReader(dest)
	if err != nil {
		t.Fatalf("zip not created: %v", err)
	}
	defer zr.Close()
	if len(zr.File) != 2 {
		t.Fatalf("expected payload and manifest, got %d entries", len(zr.File))
	}
}
