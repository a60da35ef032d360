// Package camera reports whether the operating system sees a camera device
// in use. The kiosk uses it to confirm that local video really went live
// after the conferencing client reports send/receive.
package camera

import (
	"sync"
	"time"
)

// Probe answers Active from a short-lived cache so that repeated checks do
// not each shell out to the OS.
type Probe struct {
	ttl   time.Duration
	check func() bool

	mu      sync.Mutex
	checked time.Time
	active  bool
}

// NewProbe returns a probe for the current platform.
func NewProbe() *Probe {
	return &Probe{ttl: 2 * time.Second, check: isCameraActive}
}

// Active reports whether any camera device is currently in use.
func (p *Probe) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.checked.IsZero() && time.Since(p.checked) < p.ttl {
		return p.active
	}
	p.active = p.check()
	p.checked = time.Now()
	return p.active
}

// anyInUse reports whether inUse holds for at least one device.
func anyInUse(devices []string, inUse func(dev string) bool) bool {
	for _, dev := range devices {
		if inUse(dev) {
			return true
		}
	}
	return false
}
