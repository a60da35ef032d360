package answer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/victortrac/kioskanswer/internal/conference"
)

// transitionGuard remembers the last state a handler acted on so that the
// attach-time check and a racing notification for the same transition are
// handled once. Notifications for one conversation arrive in order, so a
// genuinely new transition into a state is always preceded by an observation
// of some other state.
type transitionGuard struct {
	mu   sync.Mutex
	seen bool
	last conference.ModalityState
}

// observe records s and reports whether it is a new transition.
func (g *transitionGuard) observe(s conference.ModalityState) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen && g.last == s {
		return false
	}
	g.seen = true
	g.last = s
	return true
}

// attachAudioVideo wires the audio/video state machine: accept on Notified,
// bring up local video on Connected.
func (w *Watcher) attachAudioVideo(wc *watchedConversation) error {
	m, err := wc.conv.Modality(conference.AudioVideo)
	if err != nil {
		return fmt.Errorf("audio/video modality: %w", err)
	}
	av, ok := m.(conference.AudioVideoModality)
	if !ok {
		return fmt.Errorf("audio/video modality has unexpected type %T", m)
	}

	w.watchModality(wc, "audio_video", av, true, func(observed conference.ModalityState) error {
		settings := w.policy.Snapshot()
		switch observed {
		case conference.ModalityNotified:
			return w.acceptInvite(wc, av, settings.AutoAnswer, conference.ActionConnect)
		case conference.ModalityConnected:
			if settings.AutoAnswer {
				return w.startVideo(wc, av)
			}
		}
		return nil
	})
	return nil
}

// attachSharing wires the screen-sharing acceptor.
func (w *Watcher) attachSharing(wc *watchedConversation) error {
	m, err := wc.conv.Modality(conference.ApplicationSharing)
	if errors.Is(err, conference.ErrModalityUnavailable) {
		w.log.WithField("conversation", wc.conv.ID()).Debug("Conversation has no screen-sharing modality")
		return nil
	}
	if err != nil {
		return fmt.Errorf("screen-sharing modality: %w", err)
	}

	w.watchModality(wc, "sharing", m, true, func(observed conference.ModalityState) error {
		if observed != conference.ModalityNotified {
			return nil
		}
		settings := w.policy.Snapshot()
		return w.acceptInvite(wc, m, settings.AutoAcceptScreenSharing, conference.ActionAccept)
	})
	return nil
}

// attachFullScreen wires the full-screen presenter. It reacts to
// notifications only; a call already ringing at attach time keeps its
// current window mode.
func (w *Watcher) attachFullScreen(wc *watchedConversation) error {
	if w.automation == nil {
		return nil
	}
	m, err := wc.conv.Modality(conference.AudioVideo)
	if err != nil {
		return fmt.Errorf("audio/video modality: %w", err)
	}

	w.watchModality(wc, "full_screen", m, false, func(observed conference.ModalityState) error {
		if observed != conference.ModalityNotified {
			return nil
		}
		win, err := w.automation.ConversationWindow(wc.conv)
		if err != nil {
			return fmt.Errorf("resolve conversation window: %w", err)
		}
		if !w.policy.Snapshot().FullScreenOnAnswer {
			return nil
		}
		if err := win.ShowFullScreen(w.monitor); err != nil {
			return fmt.Errorf("show full screen: %w", err)
		}
		w.metrics.FullScreen.Inc()
		w.recorder.Record(newEvent(wc.conv.ID(), EventFullScreen, conference.AudioVideo, ""))
		w.log.WithFields(logrus.Fields{
			"conversation": wc.conv.ID(),
			"monitor":      w.monitor,
		}).Info("Conversation window switched to full screen")
		return nil
	})
	return nil
}

// startVideo schedules a video activation for the conversation, replacing
// any activation still in progress.
func (w *Watcher) startVideo(wc *watchedConversation, av conference.AudioVideoModality) error {
	channel, err := av.VideoChannel()
	if err != nil {
		return fmt.Errorf("video channel: %w", err)
	}

	id := wc.conv.ID()
	w.mu.Lock()
	if w.stopped || wc.ctx.Err() != nil {
		w.mu.Unlock()
		return nil
	}
	w.wg.Add(1)
	w.mu.Unlock()

	ctx, cancel := wc.activation()
	go func() {
		defer w.wg.Done()
		defer cancel()
		w.barrier("video_activation", id, func() error {
			w.activator.Activate(ctx, id, channel)
			return nil
		})
	}()
	return nil
}
