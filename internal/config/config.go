package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"ingestor/internal/validation"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort               = 8080
	defaultDataDir            = "data"
	defaultMaxConcurrentFiles = 3
)

// Config describes runtime configuration for the service.
type Config struct {
	Server     ServerConfig      `koanf:"server" yaml:"server"`
	DataDir    string            `koanf:"data_dir" yaml:"data_dir" validate:"required"`
	Log        LogConfig         `koanf:"log" yaml:"log"`
	Engine     EngineConfig      `koanf:"engine" yaml:"engine"`
	Retry      RetryConfig       `koanf:"retry" yaml:"retry"`
	Validation ValidationConfig  `koanf:"validation" yaml:"validation"`
	Store      StoreConfig       `koanf:"store" yaml:"store"`
	Processor  ProcessorConfig   `koanf:"processor" yaml:"processor"`
	Notify     NotifyConfig      `koanf:"notify" yaml:"notify"`
	Lookup     LookupConfig      `koanf:"lookup" yaml:"lookup"`
	Admission  AdmissionConfig   `koanf:"admission" yaml:"admission"`
	Notebooks  map[string]string `koanf:"notebooks" yaml:"notebooks,omitempty"`
}

type ServerConfig struct {
	Port              int           `koanf:"port" yaml:"port" validate:"min=1,max=65535"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout" yaml:"read_header_timeout" validate:"gt=0"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`
	CORSOrigins       []string      `koanf:"cors_origins" yaml:"cors_origins"`
}

type LogConfig struct {
	Level  string `koanf:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" yaml:"format" validate:"oneof=console json"`
}

type EngineConfig struct {
	MaxConcurrentFiles int   `koanf:"max_concurrent_files" yaml:"max_concurrent_files" validate:"min=1"`
	MaxBatchFiles      int   `koanf:"max_batch_files" yaml:"max_batch_files" validate:"min=1"`
	MaxFileSize        int64 `koanf:"max_file_size" yaml:"max_file_size" validate:"min=1"`
	MaxBatchSize       int64 `koanf:"max_batch_size" yaml:"max_batch_size" validate:"min=1,gtefield=MaxFileSize"`
	EventBuffer        int   `koanf:"event_buffer" yaml:"event_buffer" validate:"min=1"`
	ETASamples         int   `koanf:"eta_samples" yaml:"eta_samples" validate:"min=2"`
}

type RetryConfig struct {
	MaxRetries int           `koanf:"max_retries" yaml:"max_retries" validate:"min=0"`
	BaseDelay  time.Duration `koanf:"base_delay" yaml:"base_delay" validate:"gt=0"`
	MaxDelay   time.Duration `koanf:"max_delay" yaml:"max_delay" validate:"gtefield=BaseDelay"`
	Multiplier float64       `koanf:"multiplier" yaml:"multiplier" validate:"gte=1"`
}

type ValidationConfig struct {
	AllowedExtensions []string `koanf:"allowed_extensions" yaml:"allowed_extensions"`
	BlockedExtensions []string `koanf:"blocked_extensions" yaml:"blocked_extensions"`
	SniffMIME         bool     `koanf:"sniff_mime" yaml:"sniff_mime"`
	ScanContent       bool     `koanf:"scan_content" yaml:"scan_content"`
}

type StoreConfig struct {
	Driver string `koanf:"driver" yaml:"driver" validate:"oneof=file sqlite postgres memory"`
	DSN    string `koanf:"dsn" yaml:"dsn,omitempty"`
}

type ProcessorConfig struct {
	Kind     string        `koanf:"kind" yaml:"kind" validate:"oneof=extract http"`
	Endpoint string        `koanf:"endpoint" yaml:"endpoint,omitempty" validate:"omitempty,url"`
	Timeout  time.Duration `koanf:"timeout" yaml:"timeout" validate:"gt=0"`
}

type NotifyConfig struct {
	SQSQueueURL string `koanf:"sqs_queue_url" yaml:"sqs_queue_url,omitempty" validate:"omitempty,url"`
}

type LookupConfig struct {
	Size        int           `koanf:"size" yaml:"size" validate:"min=1"`
	TTL         time.Duration `koanf:"ttl" yaml:"ttl" validate:"gt=0"`
	NegativeTTL time.Duration `koanf:"negative_ttl" yaml:"negative_ttl" validate:"gt=0"`
}

// AdmissionConfig holds back new work while the host is under pressure. Zero disables a check.
type AdmissionConfig struct {
	MinFreeDiskMB    int64         `koanf:"min_free_disk_mb" yaml:"min_free_disk_mb" validate:"min=0"`
	MaxCPUPercent    float64       `koanf:"max_cpu_percent" yaml:"max_cpu_percent" validate:"min=0,max=100"`
	MaxMemoryPercent float64       `koanf:"max_memory_percent" yaml:"max_memory_percent" validate:"min=0,max=100"`
	RetryInterval    time.Duration `koanf:"retry_interval" yaml:"retry_interval" validate:"gt=0"`
	SampleTTL        time.Duration `koanf:"sample_ttl" yaml:"sample_ttl" validate:"gt=0"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:              defaultPort,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			CORSOrigins:       []string{"*"},
		},
		DataDir: defaultDataDir,
		Log:     LogConfig{Level: "info", Format: "console"},
		Engine: EngineConfig{
			MaxConcurrentFiles: defaultMaxConcurrentFiles,
			MaxBatchFiles:      50,
			MaxFileSize:        100 << 20,
			MaxBatchSize:       1 << 30,
			EventBuffer:        256,
			ETASamples:         10,
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  time.Second,
			MaxDelay:   30 * time.Second,
			Multiplier: 2,
		},
		Validation: ValidationConfig{
			AllowedExtensions: append([]string(nil), validation.DefaultAllowedExtensions...),
			BlockedExtensions: append([]string(nil), validation.DefaultBlockedExtensions...),
			SniffMIME:         true,
			ScanContent:       true,
		},
		Store:     StoreConfig{Driver: "file"},
		Processor: ProcessorConfig{Kind: "extract", Timeout: 60 * time.Second},
		Lookup:    LookupConfig{Size: 256, TTL: 5 * time.Minute, NegativeTTL: 30 * time.Second},
		Admission: AdmissionConfig{
			MinFreeDiskMB:    1024,
			MaxCPUPercent:    80,
			MaxMemoryPercent: 85,
			RetryInterval:    5 * time.Second,
			SampleTTL:        time.Second,
		},
	}
}

// DefaultAsMap flattens Default for the confmap provider so every key is known
// to koanf before files, env and flags are merged on top.
func DefaultAsMap() map[string]any {
	def := Default()
	return map[string]any{
		"server.port":                   def.Server.Port,
		"server.read_header_timeout":    def.Server.ReadHeaderTimeout,
		"server.shutdown_timeout":       def.Server.ShutdownTimeout,
		"server.cors_origins":           def.Server.CORSOrigins,
		"data_dir":                      def.DataDir,
		"log.level":                     def.Log.Level,
		"log.format":                    def.Log.Format,
		"engine.max_concurrent_files":   def.Engine.MaxConcurrentFiles,
		"engine.max_batch_files":        def.Engine.MaxBatchFiles,
		"engine.max_file_size":          def.Engine.MaxFileSize,
		"engine.max_batch_size":         def.Engine.MaxBatchSize,
		"engine.event_buffer":           def.Engine.EventBuffer,
		"engine.eta_samples":            def.Engine.ETASamples,
		"retry.max_retries":             def.Retry.MaxRetries,
		"retry.base_delay":              def.Retry.BaseDelay,
		"retry.max_delay":               def.Retry.MaxDelay,
		"retry.multiplier":              def.Retry.Multiplier,
		"validation.allowed_extensions": def.Validation.AllowedExtensions,
		"validation.blocked_extensions": def.Validation.BlockedExtensions,
		"validation.sniff_mime":         def.Validation.SniffMIME,
		"validation.scan_content":       def.Validation.ScanContent,
		"store.driver":                  def.Store.Driver,
		"store.dsn":                     def.Store.DSN,
		"processor.kind":                def.Processor.Kind,
		"processor.endpoint":            def.Processor.Endpoint,
		"processor.timeout":             def.Processor.Timeout,
		"notify.sqs_queue_url":          def.Notify.SQSQueueURL,
		"lookup.size":                   def.Lookup.Size,
		"lookup.ttl":                    def.Lookup.TTL,
		"lookup.negative_ttl":           def.Lookup.NegativeTTL,
		"admission.min_free_disk_mb":    def.Admission.MinFreeDiskMB,
		"admission.max_cpu_percent":     def.Admission.MaxCPUPercent,
		"admission.max_memory_percent":  def.Admission.MaxMemoryPercent,
		"admission.retry_interval":      def.Admission.RetryInterval,
		"admission.sample_ttl":          def.Admission.SampleTTL,
	}
}

// Load merges defaults, the YAML file at path, INGESTOR_* environment
// variables and changed flags, in that order. A missing file is not an error.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	return LoadSources(DefaultSources(path, flags))
}

// LoadSources merges the given sources by priority and validates the result.
func LoadSources(sources []Source) (Config, error) {
	sort.SliceStable(sources, func(i, j int) bool { return sources[i].Priority() < sources[j].Priority() })
	k := koanf.New(".")
	for _, src := range sources {
		if err := src.Load(k); err != nil {
			return Config{}, err
		}
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	normalize(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	cfg.Validation.AllowedExtensions = normalizeExtensions(cfg.Validation.AllowedExtensions)
	cfg.Validation.BlockedExtensions = normalizeExtensions(cfg.Validation.BlockedExtensions)
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	cfg.Processor.Kind = strings.ToLower(strings.TrimSpace(cfg.Processor.Kind))
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the few cross-field rules tags cannot express.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Processor.Kind == "http" && cfg.Processor.Endpoint == "" {
		return errors.New("invalid config: processor.endpoint is required when processor.kind is http")
	}
	if cfg.Store.Driver == "postgres" && cfg.Store.DSN == "" {
		return errors.New("invalid config: store.dsn is required for the postgres driver")
	}
	return nil
}

// Dump renders the effective configuration as YAML.
func Dump(cfg Config) ([]byte, error) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode yaml: %w", err)
	}
	return out, nil
}

func normalizeExtensions(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	normalized := make([]string, 0, len(in))
	for _, ext := range in {
		e := strings.ToLower(strings.TrimSpace(ext))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		normalized = append(normalized, e)
	}
	return normalized
}
