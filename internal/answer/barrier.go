package answer

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// barrier runs fn and absorbs any error or panic it produces. Nothing may
// escape into the client's dispatcher: a failing callback can get the engine
// unsubscribed from future notifications.
func (w *Watcher) barrier(handler, conversationID string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			w.failed(handler, conversationID, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := fn(); err != nil {
		w.failed(handler, conversationID, err)
	}
}

func (w *Watcher) failed(handler, conversationID string, err error) {
	w.metrics.HandlerFailures.WithLabelValues(handler).Inc()
	w.log.WithFields(logrus.Fields{
		"handler":      handler,
		"conversation": conversationID,
		"error":        err,
	}).Error("Notification handler failed")
	w.recorder.Record(newEvent(conversationID, EventFailure, "", handler+": "+err.Error()))
}
