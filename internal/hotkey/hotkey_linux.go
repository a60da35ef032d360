//go:build linux

package hotkey

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	evdev "github.com/holoplot/go-evdev"
	"github.com/sirupsen/logrus"
)

var keycodes = map[string]evdev.EvCode{
	"f1": evdev.KEY_F1, "f2": evdev.KEY_F2, "f3": evdev.KEY_F3,
	"f4": evdev.KEY_F4, "f5": evdev.KEY_F5, "f6": evdev.KEY_F6,
	"f7": evdev.KEY_F7, "f8": evdev.KEY_F8, "f9": evdev.KEY_F9,
	"f10": evdev.KEY_F10, "f11": evdev.KEY_F11, "f12": evdev.KEY_F12,
}

// ErrNoKeyboard means no readable input device can produce the bound key.
var ErrNoKeyboard = errors.New("no usable keyboard found")

// Run opens every keyboard that has the bound key and blocks until Stop is
// called.
func (l *Listener) Run() error {
	code := keycodes[l.key]

	matches, err := filepath.Glob("/dev/input/event*")
	if err != nil {
		return fmt.Errorf("list input devices: %w", err)
	}

	var denied error
	for _, path := range matches {
		dev, err := evdev.Open(path)
		if err != nil {
			if os.IsPermission(err) {
				denied = fmt.Errorf("open %s: %w (add the user to the 'input' group)", path, err)
			}
			continue
		}
		if !hasKey(dev, code) {
			dev.Close()
			continue
		}
		if !l.track(func() { dev.Close() }) {
			break
		}

		name, _ := dev.Name()
		l.log.WithFields(logrus.Fields{"device": path, "name": name}).Debug("Listening for hotkey")

		l.wg.Add(1)
		go l.readLoop(dev, code)
	}

	l.mu.Lock()
	opened := len(l.closers)
	stopped := l.stopped
	l.mu.Unlock()
	if opened == 0 && !stopped {
		if denied != nil {
			return denied
		}
		return ErrNoKeyboard
	}

	l.wg.Wait()
	return nil
}

// hasKey reports whether dev can emit key code.
func hasKey(dev *evdev.InputDevice, code evdev.EvCode) bool {
	if !slices.Contains(dev.CapableTypes(), evdev.EV_KEY) {
		return false
	}
	return slices.Contains(dev.CapableEvents(evdev.EV_KEY), code)
}

// readLoop reads events from a single device until it is closed.
func (l *Listener) readLoop(dev *evdev.InputDevice, code evdev.EvCode) {
	defer l.wg.Done()
	for {
		ev, err := dev.ReadOne()
		if err != nil {
			return
		}
		if isPress(ev, code) {
			l.press()
		}
	}
}

// isPress matches a key-down of code, ignoring auto-repeat (2) and release (0).
func isPress(ev *evdev.InputEvent, code evdev.EvCode) bool {
	return ev.Type == evdev.EV_KEY && ev.Code == code && ev.Value == 1
}
