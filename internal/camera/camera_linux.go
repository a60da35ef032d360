//go:build linux

package camera

import (
	"os/exec"
	"path/filepath"
)

// isCameraActive checks whether any process has a /dev/video* device open.
func isCameraActive() bool {
	devices, err := filepath.Glob("/dev/video*")
	if err != nil || len(devices) == 0 {
		return false
	}
	return anyInUse(devices, func(dev string) bool {
		output, err := exec.Command("lsof", "-t", dev).Output()
		return err == nil && len(output) > 0
	})
}
