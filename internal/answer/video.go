package answer

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/victortrac/kioskanswer/internal/conference"
)

// ErrChannelNotReady means the video channel never allowed Start within the
// ready timeout.
var ErrChannelNotReady = errors.New("video channel never became startable")

var errNotSendReceive = errors.New("video channel not yet sending and receiving")

// Activation results, used as metric labels.
const (
	ResultSendReceive = "send_receive"
	ResultExhausted   = "exhausted"
	ResultNotReady    = "not_ready"
	ResultCancelled   = "cancelled"
	ResultFailed      = "failed"
)

// VideoConfig bounds a video activation.
type VideoConfig struct {
	// Attempts is how many times the start request is reissued after the
	// first one.
	Attempts int
	// Interval separates consecutive start requests.
	Interval time.Duration
	// ReadyPoll is how often Start's availability is checked before the
	// first request.
	ReadyPoll time.Duration
	// ReadyTimeout bounds the wait for Start to become available.
	ReadyTimeout time.Duration
}

// DefaultVideoConfig reissues the start request five times, a second apart.
func DefaultVideoConfig() VideoConfig {
	return VideoConfig{
		Attempts:     5,
		Interval:     time.Second,
		ReadyPoll:    100 * time.Millisecond,
		ReadyTimeout: 30 * time.Second,
	}
}

func (c VideoConfig) withDefaults() VideoConfig {
	d := DefaultVideoConfig()
	if c.Attempts <= 0 {
		c.Attempts = d.Attempts
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.ReadyPoll <= 0 {
		c.ReadyPoll = d.ReadyPoll
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = d.ReadyTimeout
	}
	return c
}

// CameraProbe reports whether the OS sees a camera device in use.
type CameraProbe interface {
	Active() bool
}

// VideoDeps are the activator's optional collaborators.
type VideoDeps struct {
	Logger   logrus.FieldLogger
	Metrics  *Metrics
	Recorder Recorder
	Camera   CameraProbe
}

// VideoActivator brings a conversation's local video channel to
// SendReceive on a best-effort basis.
type VideoActivator struct {
	cfg      VideoConfig
	log      logrus.FieldLogger
	metrics  *Metrics
	recorder Recorder
	camera   CameraProbe
}

func NewVideoActivator(cfg VideoConfig, deps VideoDeps) *VideoActivator {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	return &VideoActivator{
		cfg:      cfg.withDefaults(),
		log:      deps.Logger,
		metrics:  deps.Metrics,
		recorder: deps.Recorder,
		camera:   deps.Camera,
	}
}

// ActivationResult describes how an activation ended.
type ActivationResult struct {
	ID string
	// Starts counts start requests, including rejected ones.
	Starts int
	// Retries counts start requests reissued after the first one.
	Retries int
	// Reached reports whether the channel was in SendReceive at the end.
	Reached      bool
	CameraActive bool
	// Err is set when the activation ended early: not ready, cancelled, or
	// an unexpected start failure.
	Err error
}

// Activate waits for the channel to accept Start, issues it, and reissues it
// up to Attempts times, Interval apart, until the channel reports
// SendReceive. A rejected start (ErrNotSupported) is expected while a start
// is already in flight. Activate blocks; the watcher runs it on its own
// goroutine. Cancelling ctx stops it between requests.
func (a *VideoActivator) Activate(ctx context.Context, conversationID string, channel conference.VideoChannel) ActivationResult {
	res := ActivationResult{ID: uuid.NewString()}
	entry := a.log.WithFields(logrus.Fields{
		"conversation": conversationID,
		"activation":   res.ID,
	})

	if err := a.waitReady(ctx, channel); err != nil {
		res.Err = err
		a.finish(entry, conversationID, res, channelResult(err))
		return res
	}

	op := func() error {
		if res.Starts > 0 {
			res.Retries++
		}
		res.Starts++
		err := channel.BeginStart()
		switch {
		case err == nil:
		case errors.Is(err, conference.ErrNotSupported):
			entry.WithField("attempt", res.Starts).Debug("Start request rejected, start already in flight")
		default:
			return backoff.Permanent(err)
		}
		if channel.State() == conference.ChannelSendReceive {
			return nil
		}
		return errNotSendReceive
	}

	schedule := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(a.cfg.Interval), uint64(a.cfg.Attempts)),
		ctx,
	)
	err := backoff.Retry(op, schedule)
	res.Reached = channel.State() == conference.ChannelSendReceive

	var result string
	switch {
	case res.Reached:
		result = ResultSendReceive
		if a.camera != nil {
			res.CameraActive = a.camera.Active()
		}
	case errors.Is(err, errNotSendReceive):
		result = ResultExhausted
	default:
		res.Err = err
		result = channelResult(err)
	}
	a.finish(entry, conversationID, res, result)
	return res
}

// waitReady polls until Start is invokable, bounded by ReadyTimeout.
func (a *VideoActivator) waitReady(ctx context.Context, channel conference.VideoChannel) error {
	if channel.CanInvoke(conference.ChannelStart) {
		return nil
	}
	polls := uint64(a.cfg.ReadyTimeout / a.cfg.ReadyPoll)
	schedule := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(a.cfg.ReadyPoll), polls),
		ctx,
	)
	return backoff.Retry(func() error {
		if channel.CanInvoke(conference.ChannelStart) {
			return nil
		}
		return ErrChannelNotReady
	}, schedule)
}

func channelResult(err error) string {
	switch {
	case errors.Is(err, ErrChannelNotReady):
		return ResultNotReady
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ResultCancelled
	default:
		return ResultFailed
	}
}

func (a *VideoActivator) finish(entry *logrus.Entry, conversationID string, res ActivationResult, result string) {
	a.metrics.VideoActivations.WithLabelValues(result).Inc()
	a.recorder.Record(newEvent(conversationID, EventVideoActivation, conference.AudioVideo, result))

	entry = entry.WithFields(logrus.Fields{
		"result":  result,
		"starts":  res.Starts,
		"retries": res.Retries,
	})
	if res.Reached && a.camera != nil {
		entry = entry.WithField("camera_active", res.CameraActive)
	}
	switch result {
	case ResultSendReceive:
		entry.Info("Local video started")
	case ResultCancelled:
		entry.Debug("Video activation cancelled")
	case ResultFailed:
		entry.WithError(res.Err).Warn("Video activation failed")
	default:
		entry.Warn("Local video did not reach send/receive")
	}
}
