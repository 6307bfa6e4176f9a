package supervisor

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"grimm.is/shroud/internal/brand"
	"grimm.is/shroud/internal/config"
)

// templateData is what a service config template may reference.
type templateData struct {
	Name     string
	StateDir string
	RunDir   string
	LogDir   string
}

// RenderConfig renders a service's config template to its config path.
// Called before launch for services that carry one; services with static
// configs skip this.
func RenderConfig(def config.ServiceDefinition) error {
	if def.ConfigTemplate == "" || def.ConfigPath == "" {
		return nil
	}

	tmpl, err := template.New(def.Name).Parse(def.ConfigTemplate)
	if err != nil {
		return fmt.Errorf("parse config template for %s: %w", def.Name, err)
	}

	data := templateData{
		Name:     def.Name,
		StateDir: filepath.Join(brand.GetStateDir(), def.Name),
		RunDir:   brand.GetRunDir(),
		LogDir:   brand.GetLogDir(),
	}

	var out bytes.Buffer
	if err := tmpl.Execute(&out, data); err != nil {
		return fmt.Errorf("render config for %s: %w", def.Name, err)
	}

	if err := os.MkdirAll(filepath.Dir(def.ConfigPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(def.ConfigPath, out.Bytes(), 0o600)
}
