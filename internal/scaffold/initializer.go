package scaffold

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/dyluth/parley/internal/config"
)

//go:embed templates/*
var templatesFS embed.FS

// Options fills in the starter config.
type Options struct {
	ServerURL      string
	StreamMode     string
	GeneralTopicID int64
}

func (o Options) withDefaults() Options {
	def := config.Default()
	if o.ServerURL == "" {
		o.ServerURL = def.Server.URL
	}
	if o.StreamMode == "" {
		o.StreamMode = def.Stream.Mode
	}
	if o.GeneralTopicID == 0 {
		o.GeneralTopicID = def.Chat.GeneralTopicID
	}
	return o
}

// Initialize writes a commented starter config to path.
// If force is true, an existing file is replaced.
func Initialize(path string, opts Options, force bool) error {
	if !force {
		if err := CheckExisting(path); err != nil {
			return err
		}
	}

	content, err := render(opts.withDefaults())
	if err != nil {
		return err
	}

	// Nothing on disk changes until the rendered file validates
	if err := validate(content); err != nil {
		return err
	}

	if force {
		if err := handleForce(path); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// handleForce removes an existing config if --force was specified
func handleForce(path string) error {
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("⚠️  Removing existing %s...\n", path)
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}
	return nil
}

func render(opts Options) ([]byte, error) {
	raw, err := templatesFS.ReadFile("templates/config.yml.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to read config template: %w", err)
	}
	tmpl, err := template.New("config").Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse config template: %w", err)
	}

	data := struct {
		Options
		Version string
	}{opts, config.CurrentVersion}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render config template: %w", err)
	}
	return buf.Bytes(), nil
}

// validate parses the rendered file the way config.Load would, without the environment.
func validate(content []byte) error {
	cfg := config.Default()
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return fmt.Errorf("generated config is not valid YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}
	return nil
}
