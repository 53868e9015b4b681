package config

import "path/filepath"

// StagingPath returns where the temp file for dest lives. With no state
// directory configured it sits next to dest so the final rename stays on one
// filesystem.
func (c *Config) StagingPath(dest, suffix string) string {
	if c.StateDir == "" {
		return dest + suffix
	}
	return filepath.Join(c.StateDir, filepath.Base(dest)+suffix)
}
