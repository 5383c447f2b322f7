package setup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/njoerd114/datastore/internal/config"
	"github.com/njoerd114/datastore/internal/model"
	"github.com/njoerd114/datastore/internal/storage"
)

// Wizard walks the user through declaring models and writes the config file.
type Wizard struct {
	prompt *Prompter
	logger *slog.Logger
	w      io.Writer
}

// NewWizard creates a Wizard wired to the given I/O and logger.
func NewWizard(r io.Reader, w io.Writer, logger *slog.Logger) *Wizard {
	return &Wizard{
		prompt: NewPrompter(r, w),
		logger: logger,
		w:      w,
	}
}

// Run asks for the database location, the models and the sync settings, then
// writes the config to cfgPath. An existing file is only replaced after
// confirmation.
func (wiz *Wizard) Run(ctx context.Context, cfgPath string) error {
	fmt.Fprintf(wiz.w, "\nDatastore setup\n\n")

	if _, err := os.Stat(cfgPath); err == nil {
		fmt.Fprintf(wiz.w, "  Existing config found at %s\n", cfgPath)
		if !wiz.prompt.Confirm("Overwrite existing configuration?", false) {
			fmt.Fprintf(wiz.w, "\n  Keeping existing config.\n")
			return nil
		}
		fmt.Fprintf(wiz.w, "\n")
	}

	fmt.Fprintf(wiz.w, "Step 1/3: Local database\n")
	defaultDB, err := storage.DefaultDBPath()
	if err != nil {
		return err
	}
	cfg := &config.Config{
		DatabasePath:    wiz.prompt.String("Database file", defaultDB),
		DatabaseVersion: wiz.prompt.String("Schema version (changing it rebuilds the database)", "1"),
	}
	fmt.Fprintf(wiz.w, "\n")

	fmt.Fprintf(wiz.w, "Step 2/3: Models\n")
	models, err := wiz.buildModels(ctx)
	if err != nil {
		return err
	}
	cfg.Models = models

	fmt.Fprintf(wiz.w, "Step 3/3: Sync\n")
	intervalStr := wiz.prompt.String("Delta sync interval (0 disables, minimum 10s)", "15m")
	interval, parseErr := time.ParseDuration(intervalStr)
	if parseErr != nil {
		interval = 15 * time.Minute
		fmt.Fprintf(wiz.w, "  (invalid duration, using default 15m)\n")
	}
	cfg.Sync.SyncInterval = interval
	fmt.Fprintf(wiz.w, "\n")

	if _, err := cfg.Registry(); err != nil {
		return fmt.Errorf("checking models: %w", err)
	}
	if err := cfg.Write(cfgPath); err != nil {
		return err
	}
	wiz.logger.Debug("config written", "path", cfgPath, "models", len(cfg.Models))

	fmt.Fprintf(wiz.w, "  ✓ Config written to %s\n\n", cfgPath)
	fmt.Fprintf(wiz.w, "  Create the tables with: datastore status\n")
	fmt.Fprintf(wiz.w, "  Change models later by editing the file and bumping database_version.\n\n")
	return nil
}

// buildModels declares models until an empty name is entered. Associations
// can only target models declared before.
func (wiz *Wizard) buildModels(ctx context.Context) ([]config.ModelConfig, error) {
	var models []config.ModelConfig
	for ctx.Err() == nil {
		name := wiz.prompt.Optional("Model name")
		if name == "" {
			break
		}
		if declared(models, name) {
			fmt.Fprintf(wiz.w, "  (model %q is already declared)\n", name)
			continue
		}

		m := config.ModelConfig{
			Name:   name,
			Fields: []config.FieldConfig{{Name: "id", Type: model.TypeString.String(), Required: true}},
		}
		fields, err := wiz.buildFields(name)
		if err != nil {
			return nil, err
		}
		m.Fields = append(m.Fields, fields...)

		assocs, err := wiz.buildAssociations(name, models)
		if err != nil {
			return nil, err
		}
		m.Associations = assocs

		models = append(models, m)
		fmt.Fprintf(wiz.w, "  ✓ %s: %d field(s), %d association(s)\n\n", name, len(m.Fields), len(m.Associations))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, fmt.Errorf("at least one model is required")
	}
	return models, nil
}

func (wiz *Wizard) buildFields(modelName string) ([]config.FieldConfig, error) {
	types := fieldTypeNames()
	var fields []config.FieldConfig
	for {
		name := wiz.prompt.Optional(fmt.Sprintf("%s field", modelName))
		if name == "" {
			return fields, nil
		}
		idx, err := wiz.prompt.Select(fmt.Sprintf("Type of %s", name), types)
		if err != nil {
			return nil, fmt.Errorf("selecting field type: %w", err)
		}
		fields = append(fields, config.FieldConfig{
			Name:     name,
			Type:     types[idx],
			Required: wiz.prompt.Confirm("Required?", false),
		})
	}
}

func (wiz *Wizard) buildAssociations(modelName string, parents []config.ModelConfig) ([]config.AssociationConfig, error) {
	if len(parents) == 0 {
		return nil, nil
	}
	names := make([]string, len(parents))
	for i, p := range parents {
		names[i] = p.Name
	}

	var assocs []config.AssociationConfig
	for wiz.prompt.Confirm(fmt.Sprintf("Does %s belong to another model?", modelName), false) {
		idx, err := wiz.prompt.Select("Parent model", names)
		if err != nil {
			return nil, fmt.Errorf("selecting parent model: %w", err)
		}
		target := names[idx]
		assocs = append(assocs, config.AssociationConfig{
			Name:     wiz.prompt.String("Association name", lowerFirst(target)),
			Kind:     "belongs_to",
			Target:   target,
			Required: wiz.prompt.Confirm("Is the parent required?", true),
		})
	}
	return assocs, nil
}

// --- helpers ---

func fieldTypeNames() []string {
	var names []string
	for t := model.TypeString; t <= model.TypeEmbedded; t++ {
		names = append(names, t.String())
	}
	return names
}

func declared(models []config.ModelConfig, name string) bool {
	for _, m := range models {
		if m.Name == name {
			return true
		}
	}
	return false
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
