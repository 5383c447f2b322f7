// Package config loads and validates the datastore YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"github.com/njoerd114/datastore/internal/model"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// DatabasePath is the SQLite database file. Defaults to
	// ~/.local/share/datastore/datastore.db.
	DatabasePath string `yaml:"database_path"`

	// PrefsPath is the bbolt file holding the database version marker.
	// Defaults to ~/.local/share/datastore/prefs.db.
	PrefsPath string `yaml:"prefs_path"`

	// DatabaseVersion gates a rebuild: when it differs from the version the
	// database was created with, the database file is deleted.
	DatabaseVersion string `yaml:"database_version"`

	Sync SyncConfig `yaml:"sync"`

	// Models declares the model schemas, parents in any order.
	Models []ModelConfig `yaml:"models" validate:"required,min=1,dive"`

	Log LogConfig `yaml:"log"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// SyncConfig tunes mutation delivery and delta syncs.
type SyncConfig struct {
	// InitialRetryInterval is the first backoff after a network failure.
	// Defaults to 500ms.
	InitialRetryInterval time.Duration `yaml:"initial_retry_interval"`

	// MaxRetryInterval caps the backoff. Defaults to 5m.
	MaxRetryInterval time.Duration `yaml:"max_retry_interval"`

	// MaxAttempts bounds delivery attempts per mutation. Zero retries until
	// the network comes back.
	MaxAttempts int `yaml:"max_attempts" validate:"gte=0"`

	// SyncInterval schedules delta syncs. Zero disables them.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// PageSize is the number of records per sync request. Defaults to 1000.
	PageSize int `yaml:"page_size" validate:"gte=0,lte=10000"`
}

// ModelConfig declares one model schema.
type ModelConfig struct {
	Name         string              `yaml:"name" validate:"required,alphanum"`
	PrimaryKey   []string            `yaml:"primary_key"`
	Fields       []FieldConfig       `yaml:"fields" validate:"required,min=1,dive"`
	Associations []AssociationConfig `yaml:"associations" validate:"dive"`
	Indexes      []IndexConfig       `yaml:"indexes" validate:"dive"`
}

// FieldConfig declares a model field.
type FieldConfig struct {
	Name     string `yaml:"name" validate:"required"`
	Type     string `yaml:"type" validate:"required,oneof=string int double bool date enum embedded"`
	Required bool   `yaml:"required"`
}

// AssociationConfig declares a relationship to another model.
type AssociationConfig struct {
	Name       string `yaml:"name" validate:"required"`
	Kind       string `yaml:"kind" validate:"required,oneof=belongs_to has_many has_many_through"`
	Target     string `yaml:"target" validate:"required"`
	ForeignKey string `yaml:"foreign_key"`
	Through    string `yaml:"through" validate:"required_if=Kind has_many_through"`
	Required   bool   `yaml:"required"`
}

// IndexConfig declares a secondary index.
type IndexConfig struct {
	Name   string   `yaml:"name" validate:"required"`
	Fields []string `yaml:"fields" validate:"required,min=1,dive,required"`
}

// LogConfig enables an optional rotating log file next to stderr output.
type LogConfig struct {
	// File is the log file path. Empty disables file logging.
	File string `yaml:"file"`

	// MaxSizeMB rotates the file at this size. Defaults to 10.
	MaxSizeMB int `yaml:"max_size_mb" validate:"gte=0"`

	// MaxBackups is the number of rotated files kept. Defaults to 3.
	MaxBackups int `yaml:"max_backups" validate:"gte=0"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint" validate:"required,hostname_port"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "datastore".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request. Equivalent to the OTEL_EXPORTER_OTLP_HEADERS environment
	// variable. Use this for authentication tokens, e.g.:
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report YAML key names in errors.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// DefaultPath returns the default config file path: ~/.config/datastore/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "datastore", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Write validates the config and writes it to path, creating parent
// directories. The file is readable by the owner only.
func (c *Config) Write(path string) error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	return nil
}

// validate checks struct tags, then applies defaults and cross-field rules.
func (c *Config) validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			field, _ := strings.CutPrefix(fe.Namespace(), "Config.")
			if fe.Param() != "" {
				return fmt.Errorf("%s fails %s=%s", field, fe.Tag(), fe.Param())
			}
			return fmt.Errorf("%s fails %s", field, fe.Tag())
		}
		return err
	}

	if c.Sync.InitialRetryInterval < 0 || c.Sync.MaxRetryInterval < 0 {
		return fmt.Errorf("sync retry intervals must not be negative")
	}
	if c.Sync.MaxRetryInterval > 0 && c.Sync.InitialRetryInterval > c.Sync.MaxRetryInterval {
		return fmt.Errorf("sync.initial_retry_interval %v exceeds sync.max_retry_interval %v",
			c.Sync.InitialRetryInterval, c.Sync.MaxRetryInterval)
	}
	if c.Sync.SyncInterval != 0 && c.Sync.SyncInterval < 10*time.Second {
		return fmt.Errorf("sync.sync_interval %v is too short (minimum 10s)", c.Sync.SyncInterval)
	}
	if c.Sync.PageSize == 0 {
		c.Sync.PageSize = 1000
	}

	if c.Log.File != "" {
		if c.Log.MaxSizeMB == 0 {
			c.Log.MaxSizeMB = 10
		}
		if c.Log.MaxBackups == 0 {
			c.Log.MaxBackups = 3
		}
	}

	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if seen[m.Name] {
			return fmt.Errorf("model %q is declared twice", m.Name)
		}
		seen[m.Name] = true
	}
	return nil
}

// Registry builds the model registry from the declared models.
func (c *Config) Registry() (*model.Registry, error) {
	schemas := make([]*model.Schema, 0, len(c.Models))
	for _, m := range c.Models {
		s, err := m.schema()
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", m.Name, err)
		}
		schemas = append(schemas, s)
	}
	return model.NewRegistry(schemas...)
}

func (m ModelConfig) schema() (*model.Schema, error) {
	s := &model.Schema{Name: m.Name, PrimaryKey: m.PrimaryKey}
	for _, f := range m.Fields {
		t, err := model.ParseFieldType(f.Type)
		if err != nil {
			return nil, err
		}
		s.Fields = append(s.Fields, model.Field{Name: f.Name, Type: t, Required: f.Required})
	}
	for _, a := range m.Associations {
		var kind model.AssociationKind
		switch a.Kind {
		case "belongs_to":
			kind = model.BelongsTo
		case "has_many":
			kind = model.HasMany
		case "has_many_through":
			kind = model.HasManyThrough
		}
		s.Associations = append(s.Associations, model.Association{
			Name:       a.Name,
			Kind:       kind,
			Target:     a.Target,
			ForeignKey: a.ForeignKey,
			Through:    a.Through,
			Required:   a.Required,
		})
	}
	for _, idx := range m.Indexes {
		s.Indexes = append(s.Indexes, model.Index{Name: idx.Name, Fields: idx.Fields})
	}
	return s, nil
}

// Writer returns a rotating writer for the log file, or nil when file
// logging is disabled.
func (l LogConfig) Writer() io.WriteCloser {
	if l.File == "" {
		return nil
	}
	return &lumberjack.Logger{
		Filename:   l.File,
		MaxSize:    l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		Compress:   true,
	}
}
