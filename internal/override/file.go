package override

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// overrideFile is the on-disk YAML layout for bulk editing.
type overrideFile struct {
	Overrides []Override `yaml:"overrides"`
}

// Export writes the current overrides as YAML.
func (r *Resolver) Export(ctx context.Context, path string) error {
	list, err := r.List(ctx)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(overrideFile{Overrides: list})
	if err != nil {
		return fmt.Errorf("override: marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("override: write %s: %w", path, err)
	}
	return nil
}

// Import replaces the stored overrides with the contents of a YAML file.
// Nothing is stored if any entry fails validation.
func (r *Resolver) Import(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("override: read %s: %w", path, err)
	}
	var f overrideFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("override: parse %s: %w", path, err)
	}
	if err := r.Replace(ctx, f.Overrides); err != nil {
		return 0, err
	}
	return len(f.Overrides), nil
}
