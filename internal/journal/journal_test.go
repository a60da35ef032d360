package journal

import (
	"path/filepath"
	"strconv"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victortrac/kioskanswer/internal/answer"
	"github.com/victortrac/kioskanswer/internal/conference"
	"github.com/victortrac/kioskanswer/internal/policy"
)

func openTest(t *testing.T) (*Journal, string) {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	path := filepath.Join(t.TempDir(), "kiosk.db")
	j, err := OpenPath(path, logger)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, path
}

var seq int

func event(at time.Time, kind answer.EventKind, modality conference.ModalityType, detail string) answer.Event {
	seq++
	return answer.Event{
		ID:             "ev-" + strconv.Itoa(seq),
		Time:           at,
		ConversationID: "conv-1",
		Kind:           kind,
		Modality:       modality,
		Detail:         detail,
	}
}

func TestRecordAndRecentEvents(t *testing.T) {
	j, _ := openTest(t)
	base := time.Now().Add(-time.Minute)

	j.Record(event(base, answer.EventAttached, "", "existing"))
	j.Record(event(base.Add(time.Second), answer.EventAccepted, conference.AudioVideo, ""))
	j.Record(event(base.Add(2*time.Second), answer.EventFullScreen, conference.AudioVideo, ""))
	require.NoError(t, j.Flush())

	events, err := j.RecentEvents(2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, answer.EventFullScreen, events[0].Kind)
	assert.Equal(t, answer.EventAccepted, events[1].Kind)
	assert.Equal(t, conference.AudioVideo, events[1].Modality)
	assert.Equal(t, "conv-1", events[1].ConversationID)
	assert.WithinDuration(t, base.Add(time.Second), events[1].Time, time.Millisecond)
}

func TestFlushIgnoresDuplicateIDs(t *testing.T) {
	j, _ := openTest(t)
	ev := event(time.Now(), answer.EventAttached, "", "added")

	j.Record(ev)
	j.Record(ev)
	require.NoError(t, j.Flush())
	j.Record(ev)
	require.NoError(t, j.Flush())

	events, err := j.RecentEvents(10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestCloseFlushesPendingEvents(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	path := filepath.Join(t.TempDir(), "kiosk.db")
	j, err := OpenPath(path, logger)
	require.NoError(t, err)

	j.Record(event(time.Now(), answer.EventTerminated, "", ""))
	require.NoError(t, j.Close())
	require.NoError(t, j.Close(), "second close is a no-op")

	reopened, err := OpenPath(path, logger)
	require.NoError(t, err)
	defer reopened.Close()
	events, err := reopened.RecentEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, answer.EventTerminated, events[0].Kind)
}

func TestGetStats(t *testing.T) {
	j, _ := openTest(t)
	now := time.Date(2026, 3, 10, 14, 30, 20, 0, time.Local)
	j.now = func() time.Time { return now }
	recent := now.Add(-5 * time.Minute)

	for _, ev := range []answer.Event{
		event(recent, answer.EventAttached, "", "added"),
		event(recent, answer.EventAccepted, conference.AudioVideo, ""),
		event(recent.Add(time.Minute), answer.EventAccepted, conference.AudioVideo, ""),
		event(recent, answer.EventAccepted, conference.ApplicationSharing, ""),
		event(recent, answer.EventSkipped, conference.AudioVideo, "policy"),
		event(recent, answer.EventSkipped, conference.ApplicationSharing, "policy"),
		event(recent, answer.EventSkipped, conference.AudioVideo, "capability"),
		event(recent, answer.EventFullScreen, conference.AudioVideo, ""),
		event(recent, answer.EventVideoActivation, conference.AudioVideo, answer.ResultSendReceive),
		event(recent, answer.EventVideoActivation, conference.AudioVideo, answer.ResultExhausted),
		event(recent, answer.EventVideoActivation, conference.AudioVideo, answer.ResultCancelled),
		event(recent, answer.EventFailure, "", "sharing: boom"),
		event(now.Add(-2*time.Hour), answer.EventAccepted, conference.AudioVideo, ""),
	} {
		j.Record(ev)
	}

	stats, err := j.GetStats("1h")
	require.NoError(t, err)

	assert.Equal(t, "1h", stats.Range)
	assert.Equal(t, 1, stats.Conversations)
	assert.Equal(t, 2, stats.CallsAnswered)
	assert.Equal(t, 1, stats.SharesAccepted)
	assert.Equal(t, 3, stats.Skipped)
	assert.Equal(t, []ReasonCount{{Reason: "policy", Count: 2}, {Reason: "capability", Count: 1}}, stats.SkipReasons)
	assert.Equal(t, 1, stats.FullScreen)
	assert.Equal(t, 1, stats.VideoStarted)
	assert.Equal(t, 1, stats.VideoIncomplete)
	assert.Equal(t, 1, stats.Failures)
	assert.GreaterOrEqual(t, stats.BusiestHour, 0)

	require.Len(t, stats.History, 60)
	total := 0
	for i, p := range stats.History {
		total += p.Count
		if i > 0 {
			assert.Equal(t, int64(60), p.Time-stats.History[i-1].Time)
		}
	}
	assert.Equal(t, 2, total)
	assert.Equal(t, now.Truncate(time.Minute).Unix(), stats.History[len(stats.History)-1].Time)

	day, err := j.GetStats("24h")
	require.NoError(t, err)
	assert.Equal(t, 3, day.CallsAnswered)
	assert.Len(t, day.History, 24)
}

func TestGetStatsEmpty(t *testing.T) {
	j, _ := openTest(t)

	stats, err := j.GetStats("bogus")
	require.NoError(t, err)
	assert.Equal(t, "1h", stats.Range)
	assert.Zero(t, stats.CallsAnswered)
	assert.Empty(t, stats.SkipReasons)
	assert.Equal(t, -1, stats.BusiestHour)
	assert.Len(t, stats.History, 60)
}

func TestPolicyPersistence(t *testing.T) {
	j, _ := openTest(t)

	got, ok, err := j.LoadPolicy(policy.Defaults())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, policy.Defaults(), got)

	saved := policy.Settings{AutoAnswer: false, FullScreenOnAnswer: true, AutoAcceptScreenSharing: false}
	require.NoError(t, j.SavePolicy(saved))

	got, ok, err = j.LoadPolicy(policy.Defaults())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, saved, got)

	saved.AutoAnswer = true
	require.NoError(t, j.SavePolicy(saved))
	got, _, err = j.LoadPolicy(policy.Settings{})
	require.NoError(t, err)
	assert.Equal(t, saved, got)
}

func TestOpenCreatesHostDatabase(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	dir := filepath.Join(t.TempDir(), "nested", "data")

	j, err := Open(dir, logger)
	require.NoError(t, err)
	defer j.Close()

	matches, err := filepath.Glob(filepath.Join(dir, "*.db"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}
