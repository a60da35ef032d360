//go:build !linux

package hotkey

import (
	"fmt"

	gohook "github.com/robotn/gohook"
)

// Run starts the global hook and blocks until Stop is called.
func (l *Listener) Run() error {
	code, ok := gohook.Keycode[l.key]
	if !ok {
		return fmt.Errorf("no keycode for %q", l.key)
	}

	evChan := gohook.Start()
	if !l.track(gohook.End) {
		return nil
	}
	l.log.Info("Starting global key hook")

	for {
		select {
		case ev, ok := <-evChan:
			if !ok {
				return nil
			}
			if ev.Kind == gohook.KeyDown && ev.Keycode == code {
				l.press()
			}
		case <-l.done:
			return nil
		}
	}
}
