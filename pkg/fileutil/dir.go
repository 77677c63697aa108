package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// ResetDir removes dir and everything beneath it, then recreates it empty.
func ResetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return nil
}

// FlattenSingleDir lifts the contents of a lone wrapping directory one
// level up. If dir contains exactly one entry and that entry is a
// directory, its children are moved into dir and the wrapper is removed.
// Reports whether anything was flattened.
func FlattenSingleDir(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", dir, err)
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		return false, nil
	}

	wrapper := filepath.Join(dir, entries[0].Name())

	// Move the wrapper aside first so a child sharing its name can't collide
	staging := filepath.Join(dir, ".flatten-"+entries[0].Name())
	if err := os.Rename(wrapper, staging); err != nil {
		return false, fmt.Errorf("failed to stage %s: %w", wrapper, err)
	}

	children, err := os.ReadDir(staging)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", staging, err)
	}
	for _, child := range children {
		from := filepath.Join(staging, child.Name())
		to := filepath.Join(dir, child.Name())
		if err := os.Rename(from, to); err != nil {
			return false, fmt.Errorf("failed to move %s: %w", child.Name(), err)
		}
	}

	if err := os.Remove(staging); err != nil {
		return false, fmt.Errorf("failed to remove wrapper directory: %w", err)
	}

	return true, nil
}
