package batch

import (
	"context"
	"io"

	"ingestor/internal/archive"
	"ingestor/internal/processor"
)

// Export writes a zip of the completed files of a batch to w. Each stored
// payload is followed by the extractor's text and metadata when present; a
// manifest listing each payload with its source id closes the archive. Files
// still in flight are left out, so exporting a running batch yields what is
// done so far.
func (m *Manager) Export(ctx context.Context, batchID string, w io.Writer) ([]archive.Result, error) {
	snap, err := m.Status(batchID)
	if err != nil {
		return nil, err
	}
	return archive.Write(ctx, w, m.storage, exportEntries(snap))
}

// ExportFile is Export into a file replaced atomically.
func (m *Manager) ExportFile(ctx context.Context, batchID, dest string) ([]archive.Result, error) {
	snap, err := m.Status(batchID)
	if err != nil {
		return nil, err
	}
	return archive.WriteFile(ctx, dest, m.storage, exportEntries(snap))
}

func exportEntries(b *Batch) []archive.Entry {
	entries := make([]archive.Entry, 0, 3*b.ProcessedFiles)
	for _, f := range b.Files {
		if f.Status != FileCompleted || f.StorageKey == "" {
			continue
		}
		entries = append(entries,
			archive.Entry{Name: f.OriginalFilename, Key: f.StorageKey, SourceID: f.SourceID},
			archive.Entry{Name: f.OriginalFilename + processor.ExtractedSuffix, Key: f.StorageKey + processor.ExtractedSuffix, Optional: true},
			archive.Entry{Name: f.OriginalFilename + processor.MetadataSuffix, Key: f.StorageKey + processor.MetadataSuffix, Optional: true},
		)
	}
	return entries
}
