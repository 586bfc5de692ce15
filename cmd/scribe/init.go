package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/scribe-agent/scribe/examples"
)

// runInit initializes a Scribe working directory with default files.
// It creates the data directory and writes the bundled example config.
// Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Scribe workspace in %s\n", dir)

	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	created, err := writeIfMissing(configPath, examples.ConfigYAML)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(w, "  ✓ %s\n", configPath)
	} else {
		fmt.Fprintf(w, "  %s exists, skipping\n", configPath)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml and set anthropic.api_key, then run: scribe serve")
	return nil
}

// writeIfMissing writes content to path only if the file does not already
// exist, so init never overwrites user customizations. It reports whether
// the file was created.
func writeIfMissing(path string, content []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return false, err
	}
	return true, nil
}
