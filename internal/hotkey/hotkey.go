// Package hotkey listens for a global operator key, used to pause and resume
// auto answer without touching the tray.
package hotkey

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Keys lists the key names a hotkey can be bound to.
var Keys = []string{"f1", "f2", "f3", "f4", "f5", "f6", "f7", "f8", "f9", "f10", "f11", "f12"}

// ParseKey normalizes a configured key name.
func ParseKey(name string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	for _, k := range Keys {
		if k == key {
			return key, nil
		}
	}
	return "", fmt.Errorf("unsupported hotkey %q (want one of %s)", name, strings.Join(Keys, ", "))
}

// Listener calls its callback each time the bound key goes down.
type Listener struct {
	key     string
	onPress func()
	log     logrus.FieldLogger

	done    chan struct{}
	mu      sync.Mutex
	stopped bool
	closers []func()
	wg      sync.WaitGroup
}

func New(key string, onPress func(), logger logrus.FieldLogger) (*Listener, error) {
	key, err := ParseKey(key)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Listener{
		key:     key,
		onPress: onPress,
		done:    make(chan struct{}),
		log:     logger.WithFields(logrus.Fields{"component": "hotkey", "key": key}),
	}, nil
}

// Key returns the bound key name.
func (l *Listener) Key() string { return l.key }

func (l *Listener) press() {
	l.log.Debug("Hotkey pressed")
	l.onPress()
}

// track registers a closer run by Stop. It reports false, after running
// closer, if the listener is already stopped.
func (l *Listener) track(closer func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		closer()
		return false
	}
	l.closers = append(l.closers, closer)
	return true
}

// Stop releases the input sources, which makes Run return.
func (l *Listener) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	closers := l.closers
	l.closers = nil
	l.stopped = true
	close(l.done)
	l.mu.Unlock()

	for _, c := range closers {
		c()
	}
}
