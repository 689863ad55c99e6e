package blockdev

import (
	"fmt"
	"os"
	"path/filepath"
)

// ResolveDevice turns a configured device path or disk label into a concrete
// device path. Spec.md treats label resolution as an external, Non-goal
// concern (libblkid territory); this is the minimal concrete implementation
// needed to run the daemon standalone: an absolute path is returned as-is,
// anything else is looked up under /dev/disk/by-label.
func ResolveDevice(deviceOrLabel string) (string, error) {
	if filepath.IsAbs(deviceOrLabel) {
		return deviceOrLabel, nil
	}

	linkPath := filepath.Join("/dev/disk/by-label", deviceOrLabel)
	target, err := os.Readlink(linkPath)
	if err != nil {
		return "", fmt.Errorf("blockdev: resolve label %q: %w", deviceOrLabel, err)
	}
	if filepath.IsAbs(target) {
		return target, nil
	}
	return filepath.Join(filepath.Dir(linkPath), target), nil
}
