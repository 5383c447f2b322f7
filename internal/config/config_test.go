package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/njoerd114/datastore/internal/model"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("creating temp config: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	f.Close()
	return f.Name()
}

const validModels = `
models:
  - name: Post
    fields:
      - {name: id, type: string, required: true}
      - {name: title, type: string, required: true}
      - {name: rating, type: int}
    indexes:
      - {name: byTitle, fields: [title]}
  - name: Comment
    fields:
      - {name: id, type: string, required: true}
      - {name: content, type: string}
    associations:
      - {name: post, kind: belongs_to, target: Post, required: true}
`

func TestLoad_Valid(t *testing.T) {
	path := writeConfig(t, `
database_path: /tmp/ds.db
database_version: "2"
sync:
  initial_retry_interval: 1s
  max_retry_interval: 1m
  max_attempts: 5
  sync_interval: 15m
`+validModels)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatabasePath != "/tmp/ds.db" {
		t.Errorf("DatabasePath = %q, want %q", cfg.DatabasePath, "/tmp/ds.db")
	}
	if cfg.DatabaseVersion != "2" {
		t.Errorf("DatabaseVersion = %q, want %q", cfg.DatabaseVersion, "2")
	}
	if cfg.Sync.MaxRetryInterval != time.Minute || cfg.Sync.MaxAttempts != 5 {
		t.Errorf("Sync = %+v", cfg.Sync)
	}
	if cfg.Sync.PageSize != 1000 {
		t.Errorf("PageSize = %d, want default 1000", cfg.Sync.PageSize)
	}
	if len(cfg.Models) != 2 {
		t.Errorf("Models len = %d, want 2", len(cfg.Models))
	}
}

func TestLoad_Registry(t *testing.T) {
	cfg, err := Load(writeConfig(t, validModels))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reg, err := cfg.Registry()
	if err != nil {
		t.Fatalf("Registry: %v", err)
	}
	comment, ok := reg.Schema("Comment")
	if !ok {
		t.Fatal("Comment not registered")
	}
	if len(comment.Associations) != 1 || comment.Associations[0].Kind != model.BelongsTo || !comment.Associations[0].Required {
		t.Errorf("Comment associations = %+v", comment.Associations)
	}
	post := reg.MustSchema("Post")
	if f, ok := post.Field("rating"); !ok || f.Type != model.TypeInt {
		t.Errorf("Post.rating = %+v, %v", f, ok)
	}
	if len(post.Indexes) != 1 || post.Indexes[0].Name != "byTitle" {
		t.Errorf("Post indexes = %+v", post.Indexes)
	}
}

func TestLoad_RegistryUnknownTarget(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
models:
  - name: Comment
    fields:
      - {name: id, type: string}
    associations:
      - {name: post, kind: belongs_to, target: Post}
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := cfg.Registry(); err == nil {
		t.Fatal("expected error for unregistered association target, got nil")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"no models", `database_path: /tmp/x.db`, "models"},
		{"bad field type", `
models:
  - name: Post
    fields:
      - {name: id, type: uuid}
`, "type"},
		{"missing through", `
models:
  - name: Post
    fields:
      - {name: id, type: string}
    associations:
      - {name: tags, kind: has_many_through, target: Tag}
`, "through"},
		{"duplicate model", `
models:
  - name: Post
    fields: [{name: id, type: string}]
  - name: Post
    fields: [{name: id, type: string}]
`, "declared twice"},
		{"short sync interval", `
sync:
  sync_interval: 1s
` + validModels, "too short"},
		{"inverted retry intervals", `
sync:
  initial_retry_interval: 2m
  max_retry_interval: 1m
` + validModels, "exceeds"},
		{"telemetry without endpoint", `
telemetry:
  insecure: true
` + validModels, "otlp_endpoint"},
		{"unknown key", `
databse_path: /tmp/typo.db
` + validModels, "databse_path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoad_LogDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
log:
  file: /tmp/datastore.log
`+validModels))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Log.MaxSizeMB != 10 || cfg.Log.MaxBackups != 3 {
		t.Errorf("Log = %+v, want defaults 10MB / 3 backups", cfg.Log)
	}
	if cfg.Log.Writer() == nil {
		t.Error("Writer() = nil, want a rotating writer")
	}
	if (LogConfig{}).Writer() != nil {
		t.Error("Writer() without a file should be nil")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestDefaultPath(t *testing.T) {
	p, err := DefaultPath()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasSuffix(p, filepath.Join(".config", "datastore", "config.yaml")) {
		t.Errorf("DefaultPath = %q, want suffix .config/datastore/config.yaml", p)
	}
}

func TestWrite_RoundTrip(t *testing.T) {
	cfg, err := Load(writeConfig(t, validModels))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.DatabaseVersion = "3"

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if err := cfg.Write(path); err != nil {
		t.Fatalf("Write: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("mode = %v, want 0600", perm)
	}
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reloading written config: %v", err)
	}
	if reloaded.DatabaseVersion != "3" || len(reloaded.Models) != 2 {
		t.Errorf("reloaded = %+v", reloaded)
	}
}

func TestWrite_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := (&Config{}).Write(path); err == nil {
		t.Fatal("expected error for config without models, got nil")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("invalid config was written")
	}
}
