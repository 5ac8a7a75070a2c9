package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewCommand()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// ignoreHostLoad turns off admission so a busy CI host cannot hold the batch back.
func ignoreHostLoad(t *testing.T) {
	t.Helper()
	t.Setenv("INGESTOR_ADMISSION_MIN_FREE_DISK_MB", "0")
	t.Setenv("INGESTOR_ADMISSION_MAX_CPU_PERCENT", "0")
	t.Setenv("INGESTOR_ADMISSION_MAX_MEMORY_PERCENT", "0")
}

func TestConfigCommandPrintsEffectiveConfig(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("INGESTOR_ENGINE_MAX_CONCURRENT_FILES", "7")

	out, err := execute(t, "config", "--config", filepath.Join(tmp, "missing.yml"), "--data_dir", tmp, "--log.level", "warn")
	if err != nil {
		t.Fatalf("command execution failed: %v\n%s", err, out)
	}
	for _, want := range []string{"max_concurrent_files: 7", "data_dir: " + tmp, "level: warn", "min_free_disk_mb: 1024"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestConfigCommandRejectsInvalidConfig(t *testing.T) {
	tmp := t.TempDir()
	if _, err := execute(t, "config", "--config", filepath.Join(tmp, "missing.yml"), "--processor.kind", "http"); err == nil {
		t.Fatalf("expected http processor without endpoint to fail")
	}
}

func TestIngestCommandRunsBatchToCompletion(t *testing.T) {
	tmp := t.TempDir()
	ignoreHostLoad(t)
	a := filepath.Join(tmp, "a.txt")
	b := filepath.Join(tmp, "b.md")
	if err := os.WriteFile(a, []byte("alpha"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(b, []byte("# beta"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	out, err := execute(t, "ingest", a, b,
		"--config", filepath.Join(tmp, "missing.yml"),
		"--data_dir", filepath.Join(tmp, "data"),
		"--store.driver", "sqlite",
		"--log.level", "error",
		"--interval", "10ms",
		"--priority", "urgent",
		"--transformation", "summary",
		"--archive", filepath.Join(tmp, "out", "batch.zip"),
	)
	if err != nil {
		t.Fatalf("ingest failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "2/2 processed") || !strings.Contains(out, "b.md") {
		t.Fatalf("unexpected output:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(tmp, "data", "ingestor.db")); err != nil {
		t.Fatalf("expected sqlite store in data dir: %v", err)
	}
	if _, err := os.Stat(a); err != nil {
		t.Fatalf("caller's source file must be kept: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tmp, "out", "batch.zip")); err != nil {
		t.Fatalf("expected archive to be written: %v", err)
	}
}

func TestIngestCommandFailsOnFailedBatch(t *testing.T) {
	tmp := t.TempDir()
	ignoreHostLoad(t)
	evil := filepath.Join(tmp, "evil.txt")
	if err := os.WriteFile(evil, []byte("<script>alert(1)</script>"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	out, err := execute(t, "ingest", evil,
		"--config", filepath.Join(tmp, "missing.yml"),
		"--data_dir", filepath.Join(tmp, "data"),
		"--store.driver", "memory",
		"--log.level", "error",
		"--interval", "10ms",
	)
	if err == nil {
		t.Fatalf("expected failed batch to return an error\n%s", out)
	}
	if !strings.Contains(out, "failed") {
		t.Fatalf("expected failure in output:\n%s", out)
	}
}

func TestIngestCommandRejectsMissingFile(t *testing.T) {
	tmp := t.TempDir()
	_, err := execute(t, "ingest", filepath.Join(tmp, "nope.txt"),
		"--config", filepath.Join(tmp, "missing.yml"),
		"--data_dir", tmp,
		"--store.driver", "memory",
	)
	if err == nil || !strings.Contains(err.Error(), "nope.txt") {
		t.Fatalf("expected stat error, got %v", err)
	}
}
