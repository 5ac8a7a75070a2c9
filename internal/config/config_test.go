package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestDefaultAndNormalize(t *testing.T) {
	cfg := Default()
	if cfg.Server.Port == 0 || cfg.DataDir == "" || cfg.Engine.MaxConcurrentFiles < 1 {
		t.Fatalf("default config invalid: %+v", cfg)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	got := normalizeExtensions([]string{"PDF", ".jpeg", "pdf", "  .JPG", ""})

	has := func(slice []string, s string) bool {
		for _, v := range slice {
			if v == s {
				return true
			}
		}
		return false
	}
	if !has(got, ".pdf") || !has(got, ".jpeg") || !has(got, ".jpg") || len(got) != 3 {
		t.Fatalf("expected normalized set .pdf,.jpeg,.jpg got %v", got)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("not_exists.yml", nil)
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if cfg.Retry.MaxRetries != 3 || cfg.Retry.BaseDelay != time.Second || cfg.Lookup.TTL != 5*time.Minute {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadReadsAndValidates(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "cfg.yml")
	content := []byte(`server:
  port: 9090
data_dir: testdata
engine:
  max_concurrent_files: 2
retry:
  base_delay: 250ms
validation:
  allowed_extensions: [pdf, .TXT]
notebooks:
  nb-1: Research
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.DataDir != "testdata" || cfg.Engine.MaxConcurrentFiles != 2 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Retry.BaseDelay != 250*time.Millisecond {
		t.Fatalf("base delay not parsed: %v", cfg.Retry.BaseDelay)
	}
	if strings.Join(cfg.Validation.AllowedExtensions, ",") != ".pdf,.txt" {
		t.Fatalf("extensions not normalized: %v", cfg.Validation.AllowedExtensions)
	}
	if cfg.Notebooks["nb-1"] != "Research" {
		t.Fatalf("notebooks not loaded: %v", cfg.Notebooks)
	}
	if cfg.Engine.MaxBatchFiles != 50 {
		t.Fatalf("unset keys should keep defaults, got %d", cfg.Engine.MaxBatchFiles)
	}
}

func TestLoadRejectsInvalidConcurrency(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "cfg.yml")
	content := []byte("engine:\n  max_concurrent_files: 0\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := Load(path, nil)
	if err == nil || !strings.Contains(err.Error(), "MaxConcurrentFiles") {
		t.Fatalf("expected error for invalid concurrency, got %v", err)
	}
}

func TestLoadRejectsHTTPProcessorWithoutEndpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yml")
	if err := os.WriteFile(path, []byte("processor:\n  kind: http\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path, nil); err == nil {
		t.Fatalf("expected error for http processor without endpoint")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("INGESTOR_SERVER_PORT", "7070")
	t.Setenv("INGESTOR_ENGINE_MAX_CONCURRENT_FILES", "5")
	t.Setenv("INGESTOR_DATA_DIR", "/tmp/ingest")
	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 7070 || cfg.Engine.MaxConcurrentFiles != 5 || cfg.DataDir != "/tmp/ingest" {
		t.Fatalf("env not applied: port=%d workers=%d dir=%s", cfg.Server.Port, cfg.Engine.MaxConcurrentFiles, cfg.DataDir)
	}
}

func TestAdmissionDefaultsAndEnv(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Admission.MinFreeDiskMB != 1024 || cfg.Admission.RetryInterval != 5*time.Second {
		t.Fatalf("unexpected admission defaults: %+v", cfg.Admission)
	}

	t.Setenv("INGESTOR_ADMISSION_MIN_FREE_DISK_MB", "0")
	t.Setenv("INGESTOR_ADMISSION_MAX_CPU_PERCENT", "95")
	cfg, err = Load("", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Admission.MinFreeDiskMB != 0 || cfg.Admission.MaxCPUPercent != 95 {
		t.Fatalf("env not applied: %+v", cfg.Admission)
	}

	t.Setenv("INGESTOR_ADMISSION_MAX_MEMORY_PERCENT", "150")
	if _, err := Load("", nil); err == nil {
		t.Fatalf("expected memory percent above 100 to be rejected")
	}
}

func TestFlagsOverrideEverything(t *testing.T) {
	t.Setenv("INGESTOR_SERVER_PORT", "7070")
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	if err := fs.Parse([]string{"--server.port=6060", "--debug"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg, err := Load("", fs)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 6060 {
		t.Fatalf("flag not applied: %d", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("--debug should force debug level, got %s", cfg.Log.Level)
	}
	// flags left at their defaults do not override loaded values
	if cfg.Engine.MaxConcurrentFiles != defaultMaxConcurrentFiles {
		t.Fatalf("unchanged flag overrode value: %d", cfg.Engine.MaxConcurrentFiles)
	}
}

func TestDumpRoundTrips(t *testing.T) {
	out, err := Dump(Default())
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	path := filepath.Join(t.TempDir(), "dump.yml")
	if err := os.WriteFile(path, out, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("reload dumped config: %v\n%s", err, out)
	}
	if cfg.Retry.MaxDelay != 30*time.Second || !strings.Contains(string(out), "max_delay: 30s") {
		t.Fatalf("durations should dump as strings:\n%s", out)
	}
}

func TestEnvKey(t *testing.T) {
	cases := map[string]string{
		"SERVER_PORT":          "server.port",
		"LOOKUP_NEGATIVE_TTL":  "lookup.negative_ttl",
		"DATA_DIR":             "data_dir",
		"NOTIFY_SQS_QUEUE_URL": "notify.sqs_queue_url",
	}
	for in, want := range cases {
		if got := envKey(in); got != want {
			t.Fatalf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}
