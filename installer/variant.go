package installer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/gammadia/minidcos/internal/workspace"
	"github.com/gammadia/minidcos/platform"
)

// Inspector reads the variant an installer would install.
type Inspector interface {
	Inspect(ctx context.Context, installerPath, workdir string) (platform.Variant, error)
}

// ScriptInspector runs "bash <installer> --version" locally and reads the
// variant from the JSON document it prints.
type ScriptInspector struct{}

// ScriptInspector implements Inspector
var _ Inspector = ScriptInspector{}

func (ScriptInspector) Inspect(ctx context.Context, installerPath, workdir string) (platform.Variant, error) {
	cmd := exec.CommandContext(ctx, "bash", installerPath, "--version")
	cmd.Dir = workdir

	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("'%s --version' failed: %w: %s", installerPath, err, strings.TrimSpace(stderr.String()))
	}
	return parseVersionOutput(stdout.Bytes())
}

// parseVersionOutput decodes the first JSON object of out. Extraction logs
// may precede it.
func parseVersionOutput(out []byte) (platform.Variant, error) {
	start := bytes.IndexByte(out, '{')
	if start < 0 {
		return "", fmt.Errorf("no version information in installer output: %q", out)
	}

	var details struct {
		Version string `json:"version"`
		Variant string `json:"variant"`
	}
	if err := json.NewDecoder(bytes.NewReader(out[start:])).Decode(&details); err != nil {
		return "", fmt.Errorf("failed to decode installer version information: %w", err)
	}

	if details.Variant == "" {
		return platform.Community, nil
	}
	variant, err := platform.ParseVariant(details.Variant)
	if err != nil || !variant.Resolved() {
		return "", fmt.Errorf("installer reports unknown variant '%s'", details.Variant)
	}
	return variant, nil
}

// VariantDetectionError is returned when the variant of an installer could
// not be read.
type VariantDetectionError struct {
	Doctor string
	Err    error
}

func (e *VariantDetectionError) Error() string {
	return strings.TrimSpace(fmt.Sprintf("Unable to determine the DC/OS variant of the installer: %v. %s", e.Err, troubleshooting(e.Doctor)))
}

func (e *VariantDetectionError) Unwrap() error {
	return e.Err
}

// ResolveVariant returns variant unless it is Auto, in which case the
// installer is inspected in a scratch workspace below workspaceBase. The
// scratch workspace is removed before returning.
func ResolveVariant(ctx context.Context, variant platform.Variant, installerPath string, inspector Inspector, workspaceBase, doctor string) (platform.Variant, error) {
	if variant.Resolved() {
		return variant, nil
	}
	if variant != platform.Auto {
		return "", fmt.Errorf("invalid variant '%s'", variant)
	}
	if inspector == nil {
		inspector = ScriptInspector{}
	}

	scratch, err := workspace.New(workspaceBase)
	if err != nil {
		return "", err
	}

	resolved, err := inspector.Inspect(ctx, installerPath, scratch.Root())
	if removeErr := scratch.Remove(); removeErr != nil && err == nil {
		return "", removeErr
	}
	if err != nil {
		return "", &VariantDetectionError{Doctor: doctor, Err: err}
	}
	return resolved, nil
}

func troubleshooting(doctor string) string {
	if doctor == "" {
		return ""
	}
	return fmt.Sprintf("Try %q for troubleshooting help.", doctor)
}
