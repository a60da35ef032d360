// Package answer is the kiosk's decision engine.
//
// A Watcher follows every conversation of a conferencing client and attaches
// three handlers to each: the audio/video state machine (answer the call,
// then bring up local video), the full-screen presenter, and the
// screen-sharing acceptor. Handlers run on the client's dispatch goroutine
// and never let a failure escape back into it. Video activation runs as its
// own task so the dispatcher is never blocked.
package answer

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/victortrac/kioskanswer/internal/conference"
	"github.com/victortrac/kioskanswer/internal/policy"
)

// Discovery sources, used as metric labels.
const (
	sourceExisting = "existing"
	sourceAdded    = "added"
)

// Config carries the watcher's tunables and optional collaborators.
type Config struct {
	Video VideoConfig
	// FullScreenMonitor is the monitor index passed to ShowFullScreen.
	FullScreenMonitor int

	Logger   logrus.FieldLogger
	Metrics  *Metrics
	Recorder Recorder
	Camera   CameraProbe
}

// Watcher discovers conversations and wires the kiosk handlers to them.
type Watcher struct {
	registry   conference.Registry
	automation conference.Automation
	policy     policy.Source
	activator  *VideoActivator
	monitor    int

	log      logrus.FieldLogger
	metrics  *Metrics
	recorder Recorder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu also orders wg.Add in startVideo against Stop's wg.Wait.
	mu          sync.Mutex
	started     bool
	stopped     bool
	unsubscribe func()
	watched     map[string]*watchedConversation
}

// NewWatcher creates a watcher. automation may be nil, in which case
// conversations are never switched to full-screen.
func NewWatcher(registry conference.Registry, automation conference.Automation, source policy.Source, cfg Config) *Watcher {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		registry:   registry,
		automation: automation,
		policy:     source,
		monitor:    cfg.FullScreenMonitor,
		log:        cfg.Logger,
		metrics:    cfg.Metrics,
		recorder:   cfg.Recorder,
		ctx:        ctx,
		cancel:     cancel,
		watched:    make(map[string]*watchedConversation),
	}
	w.activator = NewVideoActivator(cfg.Video, VideoDeps{
		Logger:   cfg.Logger,
		Metrics:  cfg.Metrics,
		Recorder: cfg.Recorder,
		Camera:   cfg.Camera,
	})
	return w
}

// Start subscribes to new conversations and attaches handlers to the ones
// that already exist. An unreachable client is not an error: there is
// nothing to watch yet, and conversations will arrive through the
// subscription. Calling Start more than once has no effect.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.unsubscribe = w.registry.OnConversationAdded(w.conversationAdded)
	w.mu.Unlock()

	existing, err := w.registry.Conversations()
	switch {
	case errors.Is(err, conference.ErrClientUnavailable):
		w.log.Debug("Conferencing client not reachable, waiting for new conversations")
		return
	case err != nil:
		w.log.WithError(err).Warn("Failed to enumerate existing conversations")
		return
	}

	for _, c := range existing {
		w.barrier("existing_conversation", conversationID(c), func() error {
			if w.attach(c, sourceExisting) {
				w.log.WithFields(logrus.Fields{
					"conversation": c.ID(),
					"participants": strings.Join(c.Participants(), ","),
				}).Debug("Existing conversation found")
			}
			return nil
		})
	}
}

// Stop unsubscribes from every notification and cancels pending video
// activations. It waits for activation tasks to return.
func (w *Watcher) Stop() {
	w.mu.Lock()
	w.stopped = true
	if w.unsubscribe != nil {
		w.unsubscribe()
		w.unsubscribe = nil
	}
	watched := w.watched
	w.watched = make(map[string]*watchedConversation)
	w.mu.Unlock()

	w.cancel()
	for _, wc := range watched {
		wc.release()
	}
	w.metrics.WatchedConversations.Set(0)
	w.wg.Wait()
}

// Attached returns the IDs of the conversations currently watched.
func (w *Watcher) Attached() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.watched))
	for id := range w.watched {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (w *Watcher) conversationAdded(c conference.Conversation) {
	w.barrier("conversation_added", conversationID(c), func() error {
		if av, err := c.Modality(conference.AudioVideo); err == nil {
			w.log.WithFields(logrus.Fields{
				"conversation": c.ID(),
				"state":        av.State(),
			}).Debug("Conversation added")
		}
		w.attach(c, sourceAdded)
		return nil
	})
}

// attach wires the handlers to c unless it is already watched, and reports
// whether it did.
func (w *Watcher) attach(c conference.Conversation, source string) bool {
	id := c.ID()

	w.mu.Lock()
	if _, ok := w.watched[id]; ok {
		w.mu.Unlock()
		w.log.WithField("conversation", id).Debug("Conversation already watched")
		return false
	}
	ctx, cancel := context.WithCancel(w.ctx)
	wc := &watchedConversation{conv: c, ctx: ctx, cancel: cancel}
	w.watched[id] = wc
	w.metrics.WatchedConversations.Set(float64(len(w.watched)))
	w.mu.Unlock()

	w.metrics.ConversationsAttached.WithLabelValues(source).Inc()
	w.recorder.Record(newEvent(id, EventAttached, "", source))

	wc.track(c.OnStateChanged(func(s conference.ConversationState) {
		if s != conference.ConversationTerminated {
			return
		}
		w.barrier("conversation_state", id, func() error {
			w.forget(wc)
			return nil
		})
	}))

	w.barrier("attach_audio_video", id, func() error { return w.attachAudioVideo(wc) })
	w.barrier("attach_full_screen", id, func() error { return w.attachFullScreen(wc) })
	w.barrier("attach_sharing", id, func() error { return w.attachSharing(wc) })

	// Already over: no Terminated notification will come.
	if c.State() == conference.ConversationTerminated {
		w.forget(wc)
	}
	return true
}

// forget stops watching a terminated conversation and cancels its video
// activation.
func (w *Watcher) forget(wc *watchedConversation) {
	id := wc.conv.ID()
	w.mu.Lock()
	if w.watched[id] != wc {
		w.mu.Unlock()
		return
	}
	delete(w.watched, id)
	w.metrics.WatchedConversations.Set(float64(len(w.watched)))
	w.mu.Unlock()

	wc.release()
	w.recorder.Record(newEvent(id, EventTerminated, "", ""))
	w.log.WithField("conversation", id).Debug("Conversation terminated")
}

// watchModality subscribes to m's transitions and, when checkNow is set,
// evaluates its current state as well. Both paths funnel into decide, behind
// a guard that drops repeated observations of the same transition.
func (w *Watcher) watchModality(wc *watchedConversation, handler string, m conference.Modality, checkNow bool, decide func(conference.ModalityState) error) {
	id := wc.conv.ID()
	guard := &transitionGuard{}
	run := func(observed conference.ModalityState) {
		w.barrier(handler, id, func() error {
			if !guard.observe(observed) {
				return nil
			}
			return decide(observed)
		})
	}

	wc.track(m.OnStateChanged(func(change conference.StateChange) {
		w.log.WithFields(logrus.Fields{
			"conversation": id,
			"modality":     m.Type(),
			"from":         change.Old,
			"to":           change.New,
		}).Debug("Modality state changed")
		run(change.New)
	}))
	if checkNow {
		run(m.State())
	}
}

// acceptInvite accepts a Notified modality when policy allows it, the
// conversation is live, and the client reports action as invokable.
func (w *Watcher) acceptInvite(wc *watchedConversation, m conference.Modality, enabled bool, action conference.ModalityAction) error {
	id := wc.conv.ID()
	entry := w.log.WithFields(logrus.Fields{
		"conversation": id,
		"modality":     m.Type(),
	})

	skip := func(reason string) {
		w.metrics.AcceptsSkipped.WithLabelValues(string(m.Type()), reason).Inc()
		w.recorder.Record(newEvent(id, EventSkipped, m.Type(), reason))
	}

	if !enabled {
		skip(reasonPolicy)
		return nil
	}
	if wc.conv.State() == conference.ConversationTerminated {
		skip(reasonTerminated)
		return nil
	}
	if !m.CanInvoke(action) {
		entry.WithField("action", action).Warn("Unable to accept, action not invokable")
		skip(reasonCapability)
		return nil
	}
	if err := m.Accept(); err != nil {
		if errors.Is(err, conference.ErrNotSupported) {
			entry.WithError(err).Warn("Accept rejected by client")
			skip(reasonRejected)
			return nil
		}
		return err
	}

	w.metrics.Accepts.WithLabelValues(string(m.Type())).Inc()
	w.recorder.Record(newEvent(id, EventAccepted, m.Type(), ""))
	entry.Info("Accepted invitation")
	return nil
}

func conversationID(c conference.Conversation) string {
	if c == nil {
		return ""
	}
	return c.ID()
}

// watchedConversation is the per-conversation state the watcher keeps.
type watchedConversation struct {
	conv   conference.Conversation
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	unsubs    []func()
	stopVideo context.CancelFunc
	released  bool
}

func (wc *watchedConversation) track(unsubscribe func()) {
	if unsubscribe == nil {
		return
	}
	wc.mu.Lock()
	if wc.released {
		wc.mu.Unlock()
		unsubscribe()
		return
	}
	wc.unsubs = append(wc.unsubs, unsubscribe)
	wc.mu.Unlock()
}

// activation returns a context for a new video activation, cancelling the
// previous one.
func (wc *watchedConversation) activation() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(wc.ctx)
	wc.mu.Lock()
	if wc.stopVideo != nil {
		wc.stopVideo()
	}
	wc.stopVideo = cancel
	wc.mu.Unlock()
	return ctx, cancel
}

func (wc *watchedConversation) release() {
	wc.mu.Lock()
	unsubs := wc.unsubs
	wc.unsubs = nil
	wc.released = true
	wc.mu.Unlock()

	wc.cancel()
	for _, fn := range unsubs {
		fn()
	}
}
