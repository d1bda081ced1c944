package backend

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed ipdetect/*.sh
var ipDetectScripts embed.FS

// WriteIPDetect writes the ip-detect script bundled for kind into dir and
// returns its path. An existing file is overwritten.
func WriteIPDetect(kind Kind, dir string) (string, error) {
	data, err := ipDetectScripts.ReadFile("ipdetect/" + string(kind) + ".sh")
	if err != nil {
		return "", fmt.Errorf("no ip-detect script for backend '%s': %w", kind, err)
	}

	if dir == "" {
		dir = filepath.Join(os.TempDir(), "minidcos")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create ip-detect directory: %w", err)
	}

	path := filepath.Join(dir, "ip-detect-"+string(kind))
	if err := os.WriteFile(path, data, 0o755); err != nil {
		return "", fmt.Errorf("failed to write ip-detect script: %w", err)
	}
	return path, nil
}
