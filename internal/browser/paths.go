// internal/browser/paths.go
package browser

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
)

// SanitizeFilename strips characters that are unsafe in file names, keeping
// letters, digits, spaces, dashes and underscores. Trailing whitespace is
// removed so names never end in a stray space.
func SanitizeFilename(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// ScreenshotPath builds the canonical screenshot location
// {base}/{app}/{task}/step_{NNN}.png, creating the directory tree. The base
// directory may start with "~" which is expanded to the user's home.
func ScreenshotPath(baseDir, appName, taskName string, step int) (string, error) {
	expanded, err := homedir.Expand(baseDir)
	if err != nil {
		return "", fmt.Errorf("failed to expand screenshot dir %q: %w", baseDir, err)
	}

	dir := filepath.Join(expanded, SanitizeFilename(appName), SanitizeFilename(taskName))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create screenshot dir %q: %w", dir, err)
	}

	return filepath.Join(dir, fmt.Sprintf("step_%03d.png", step)), nil
}
