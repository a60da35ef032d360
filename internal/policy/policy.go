// Package policy holds the kiosk's host-adjustable decisions.
//
// Hosts change policy at any time (tray menu, hotkey, HTTP API) without
// restarting the watcher. Decision points read a single Settings snapshot
// per decision so that the value checked is the value acted on.
package policy

import (
	"sync"
	"sync/atomic"
)

// Settings is a point-in-time view of the three kiosk decisions.
type Settings struct {
	AutoAnswer              bool `json:"auto_answer" yaml:"auto_answer"`
	FullScreenOnAnswer      bool `json:"full_screen_on_answer" yaml:"full_screen_on_answer"`
	AutoAcceptScreenSharing bool `json:"auto_accept_screen_sharing" yaml:"auto_accept_screen_sharing"`
}

// Defaults enables every automatic behavior.
func Defaults() Settings {
	return Settings{AutoAnswer: true, FullScreenOnAnswer: true, AutoAcceptScreenSharing: true}
}

// Source supplies policy snapshots to the decision engine.
type Source interface {
	Snapshot() Settings
}

// ChangeFunc is called after a setting changes.
type ChangeFunc func(Settings)

// Store is a concurrency-safe Source whose settings can be flipped at any
// time.
type Store struct {
	autoAnswer   atomic.Bool
	fullScreen   atomic.Bool
	shareScreens atomic.Bool

	// writes serializes setters together with their notifications, so
	// subscribers observe changes in the order they were applied.
	writes sync.Mutex
	subsMu sync.RWMutex
	subs   []ChangeFunc
}

func NewStore(initial Settings) *Store {
	s := &Store{}
	s.store(initial)
	return s
}

func (s *Store) store(v Settings) {
	s.autoAnswer.Store(v.AutoAnswer)
	s.fullScreen.Store(v.FullScreenOnAnswer)
	s.shareScreens.Store(v.AutoAcceptScreenSharing)
}

// Snapshot returns the current settings.
func (s *Store) Snapshot() Settings {
	return Settings{
		AutoAnswer:              s.autoAnswer.Load(),
		FullScreenOnAnswer:      s.fullScreen.Load(),
		AutoAcceptScreenSharing: s.shareScreens.Load(),
	}
}

// Subscribe registers fn to run after every change. Subscribers run one
// change at a time and must not call the Store's setters.
func (s *Store) Subscribe(fn ChangeFunc) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.subs = append(s.subs, fn)
}

// Set replaces all settings at once.
func (s *Store) Set(v Settings) {
	s.update(func() { s.store(v) })
}

func (s *Store) SetAutoAnswer(v bool) {
	s.update(func() { s.autoAnswer.Store(v) })
}

func (s *Store) SetFullScreenOnAnswer(v bool) {
	s.update(func() { s.fullScreen.Store(v) })
}

func (s *Store) SetAutoAcceptScreenSharing(v bool) {
	s.update(func() { s.shareScreens.Store(v) })
}

// ToggleAutoAnswer flips AutoAnswer and returns the new value.
func (s *Store) ToggleAutoAnswer() bool {
	var now bool
	s.update(func() {
		now = !s.autoAnswer.Load()
		s.autoAnswer.Store(now)
	})
	return now
}

func (s *Store) update(apply func()) {
	s.writes.Lock()
	defer s.writes.Unlock()
	before := s.Snapshot()
	apply()
	after := s.Snapshot()
	if before == after {
		return
	}
	s.subsMu.RLock()
	subs := append([]ChangeFunc(nil), s.subs...)
	s.subsMu.RUnlock()
	for _, fn := range subs {
		fn(after)
	}
}

// Funcs adapts three rebindable predicates to a Source. A nil predicate
// counts as false.
type Funcs struct {
	AutoAnswer              func() bool
	FullScreenOnAnswer      func() bool
	AutoAcceptScreenSharing func() bool
}

func (f Funcs) Snapshot() Settings {
	return Settings{
		AutoAnswer:              call(f.AutoAnswer),
		FullScreenOnAnswer:      call(f.FullScreenOnAnswer),
		AutoAcceptScreenSharing: call(f.AutoAcceptScreenSharing),
	}
}

func call(fn func() bool) bool {
	return fn != nil && fn()
}
