// Package scaffold writes a starter canopy.yml.
package scaffold

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/dyluth/canopy/internal/config"
)

//go:embed templates/*
var templatesFS embed.FS

// Initialize writes a canopy.yml for backend to path. An existing file is
// only replaced when force is set. The written file is loaded back through
// the config package so a broken template can never be left on disk.
func Initialize(path, backend string, force bool) error {
	if err := CheckExisting(path); err != nil && !force {
		return err
	}

	content, err := Render(backend)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	if _, err := config.Load(path); err != nil {
		return fmt.Errorf("created %s is not valid: %w", path, err)
	}
	return nil
}

// Render produces the canopy.yml content for backend.
func Render(backend string) ([]byte, error) {
	switch backend {
	case config.BackendMemory, config.BackendRedis, config.BackendPostgres, config.BackendSQLite:
	default:
		return nil, fmt.Errorf("unknown backend %q (must be 'memory', 'redis', 'postgres', or 'sqlite')", backend)
	}

	tmpl, err := template.ParseFS(templatesFS, "templates/canopy.yml.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to read canopy.yml template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, struct{ Backend string }{backend}); err != nil {
		return nil, fmt.Errorf("failed to render canopy.yml: %w", err)
	}
	return buf.Bytes(), nil
}
