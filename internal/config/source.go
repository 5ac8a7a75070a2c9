package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix marks environment variables read as configuration.
const EnvPrefix = "INGESTOR_"

// Source loads configuration values into koanf. Lower priorities load first
// and are overridden by higher ones.
type Source interface {
	Name() string
	Priority() int
	Load(k *koanf.Koanf) error
}

// DefaultSource provides the built-in values. Priority 10.
type DefaultSource struct{}

func (s *DefaultSource) Name() string  { return "defaults" }
func (s *DefaultSource) Priority() int { return 10 }

func (s *DefaultSource) Load(k *koanf.Koanf) error {
	if err := k.Load(confmap.Provider(DefaultAsMap(), "."), nil); err != nil {
		return fmt.Errorf("load defaults: %w", err)
	}
	return nil
}

// FileSource loads a YAML file. Priority 20. An empty path, a missing file
// or an empty file are skipped.
type FileSource struct {
	Path string
}

func (s *FileSource) Name() string  { return "file:" + s.Path }
func (s *FileSource) Priority() int { return 20 }

func (s *FileSource) Load(k *koanf.Koanf) error {
	if s.Path == "" {
		return nil
	}
	fi, err := os.Stat(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat config %s: %w", s.Path, err)
	}
	if fi.Size() == 0 {
		return nil
	}
	if err := k.Load(file.Provider(s.Path), yaml.Parser()); err != nil {
		return fmt.Errorf("parse config %s: %w", s.Path, err)
	}
	return nil
}

// EnvSource reads INGESTOR_* variables. Priority 30. The first underscore
// after the prefix separates the section from the key:
//
//	INGESTOR_SERVER_PORT                -> server.port
//	INGESTOR_ENGINE_MAX_CONCURRENT_FILES -> engine.max_concurrent_files
//	INGESTOR_DATA_DIR                   -> data_dir
type EnvSource struct {
	Prefix string
}

func (s *EnvSource) Name() string  { return "env" }
func (s *EnvSource) Priority() int { return 30 }

func (s *EnvSource) Load(k *koanf.Koanf) error {
	prefix := s.Prefix
	if prefix == "" {
		prefix = EnvPrefix
	}
	if err := k.Load(env.Provider(prefix, ".", func(key string) string {
		return envKey(strings.TrimPrefix(key, prefix))
	}), nil); err != nil {
		return fmt.Errorf("load environment: %w", err)
	}
	return nil
}

func envKey(raw string) string {
	key := strings.ToLower(raw)
	if key == "data_dir" {
		return key
	}
	return strings.Replace(key, "_", ".", 1)
}

// FlagSource applies flags the user actually set. Priority 40.
type FlagSource struct {
	Flags *pflag.FlagSet
}

func (s *FlagSource) Name() string  { return "flags" }
func (s *FlagSource) Priority() int { return 40 }

func (s *FlagSource) Load(k *koanf.Koanf) error {
	if s.Flags == nil {
		return nil
	}
	if err := k.Load(posflag.Provider(s.Flags, ".", k), nil); err != nil {
		return fmt.Errorf("load flags: %w", err)
	}
	if f := s.Flags.Lookup("debug"); f != nil && f.Value.String() == "true" {
		_ = k.Set("log.level", "debug")
	}
	return nil
}

// DefaultSources returns defaults, file, env and flags.
func DefaultSources(path string, flags *pflag.FlagSet) []Source {
	return []Source{
		&DefaultSource{},
		&FileSource{Path: path},
		&EnvSource{Prefix: EnvPrefix},
		&FlagSource{Flags: flags},
	}
}

// BindFlags registers the flags serve and ingest accept. Flag names are
// config keys, so posflag maps them directly.
func BindFlags(flags *pflag.FlagSet) {
	def := Default()
	flags.Int("server.port", def.Server.Port, "HTTP listen port")
	flags.String("data_dir", def.DataDir, "directory for batch records, staged and stored payloads")
	flags.String("log.level", def.Log.Level, "log level (debug, info, warn, error)")
	flags.String("log.format", def.Log.Format, "log format (console, json)")
	flags.Int("engine.max_concurrent_files", def.Engine.MaxConcurrentFiles, "worker slots shared by all batches")
	flags.String("store.driver", def.Store.Driver, "batch store (file, sqlite, postgres, memory)")
	flags.String("store.dsn", def.Store.DSN, "sqlite path or postgres DSN")
	flags.String("processor.kind", def.Processor.Kind, "content processor (extract, http)")
	flags.String("processor.endpoint", def.Processor.Endpoint, "endpoint for the http processor")
	flags.Int64("admission.min_free_disk_mb", def.Admission.MinFreeDiskMB, "hold back work below this much free disk under data_dir (0 disables)")
	flags.Bool("debug", false, "shorthand for --log.level=debug")
}
