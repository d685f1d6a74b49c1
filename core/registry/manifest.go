package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/iceos-ai/iceos/common/apperrors"
)

// Manifest is a JSON file listing built-in components seeded at startup.
type Manifest struct {
	Components []Definition `json:"components"`
}

// LoadManifests reads each manifest path and registers its components,
// overwriting earlier seeds with the same (kind, name). Manifest seeding
// bypasses version locks: manifests are the source of truth for built-ins.
func (r *Registry) LoadManifests(ctx context.Context, paths []string) error {
	for _, path := range paths {
		if err := r.loadManifest(ctx, path); err != nil {
			return fmt.Errorf("manifest %s: %w", path, err)
		}
	}
	return nil
}

func (r *Registry) loadManifest(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, err, "manifest is not well-formed JSON")
	}

	for i := range manifest.Components {
		def := manifest.Components[i]
		if err := r.Seed(ctx, &def); err != nil {
			return err
		}
	}
	r.log.Info("manifest loaded", "path", path, "components", len(manifest.Components))
	return nil
}
