//go:build !linux

package camera

// isCameraActive is a stub for unsupported platforms
func isCameraActive() bool {
	return false
}
