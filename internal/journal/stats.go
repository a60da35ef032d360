package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/victortrac/kioskanswer/internal/answer"
	"github.com/victortrac/kioskanswer/internal/conference"
)

type TimePoint struct {
	Time  int64 `json:"time"` // Unix timestamp
	Count int   `json:"count"`
}

type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// Stats summarizes the journal over a time range.
type Stats struct {
	Range           string        `json:"range"`
	Conversations   int           `json:"conversations"`
	CallsAnswered   int           `json:"calls_answered"`
	SharesAccepted  int           `json:"shares_accepted"`
	Skipped         int           `json:"skipped"`
	SkipReasons     []ReasonCount `json:"skip_reasons"`
	FullScreen      int           `json:"full_screen"`
	VideoStarted    int           `json:"video_started"`
	VideoIncomplete int           `json:"video_incomplete"`
	Failures        int           `json:"failures"`
	History         []TimePoint   `json:"history"`      // calls answered per bucket
	BusiestHour     int           `json:"busiest_hour"` // 0-23, -1 if no data
}

// window maps a range name to its start, bucket size, and bucket count.
func window(now time.Time, timeRange string) (name string, start time.Time, bucket time.Duration, points int) {
	switch timeRange {
	case "24h":
		return timeRange, now.Add(-24 * time.Hour), time.Hour, 24
	case "7d":
		return timeRange, now.Add(-7 * 24 * time.Hour), 6 * time.Hour, 7 * 4
	case "30d":
		return timeRange, now.Add(-30 * 24 * time.Hour), 24 * time.Hour, 30
	default:
		return "1h", now.Add(-time.Hour), time.Minute, 60
	}
}

// GetStats aggregates events for timeRange: 1h (default), 24h, 7d, or 30d.
func (j *Journal) GetStats(timeRange string) (Stats, error) {
	if err := j.Flush(); err != nil {
		j.log.WithError(err).Warn("Failed to flush call events before stats")
	}

	now := j.now()
	name, start, bucket, points := window(now, timeRange)
	startUnix := start.Unix()
	stats := Stats{
		Range:       name,
		SkipReasons: make([]ReasonCount, 0),
		History:     make([]TimePoint, 0, points),
		BusiestHour: -1,
	}

	rows, err := j.db.Query(`
		SELECT kind, modality, detail, COUNT(*)
		FROM call_events
		WHERE minute >= ?
		GROUP BY kind, modality, detail
	`, startUnix)
	if err != nil {
		return stats, fmt.Errorf("query totals: %w", err)
	}
	reasons := make(map[string]int)
	for rows.Next() {
		var kind, modality, detail string
		var n int
		if err := rows.Scan(&kind, &modality, &detail, &n); err != nil {
			rows.Close()
			return stats, fmt.Errorf("scan totals: %w", err)
		}
		switch answer.EventKind(kind) {
		case answer.EventAttached:
			stats.Conversations += n
		case answer.EventAccepted:
			if conference.ModalityType(modality) == conference.ApplicationSharing {
				stats.SharesAccepted += n
			} else {
				stats.CallsAnswered += n
			}
		case answer.EventSkipped:
			stats.Skipped += n
			reasons[detail] += n
		case answer.EventFullScreen:
			stats.FullScreen += n
		case answer.EventVideoActivation:
			if detail == answer.ResultSendReceive {
				stats.VideoStarted += n
			} else if detail != answer.ResultCancelled {
				stats.VideoIncomplete += n
			}
		case answer.EventFailure:
			stats.Failures += n
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("read totals: %w", err)
	}
	for reason, n := range reasons {
		stats.SkipReasons = append(stats.SkipReasons, ReasonCount{Reason: reason, Count: n})
	}
	sort.Slice(stats.SkipReasons, func(a, b int) bool {
		if stats.SkipReasons[a].Count != stats.SkipReasons[b].Count {
			return stats.SkipReasons[a].Count > stats.SkipReasons[b].Count
		}
		return stats.SkipReasons[a].Reason < stats.SkipReasons[b].Reason
	})

	history, err := j.answeredPerBucket(startUnix, int64(bucket/time.Second))
	if err != nil {
		return stats, err
	}
	// Fill gaps, newest bucket last.
	groupBy := int64(bucket / time.Second)
	nowBucket := (now.Unix() / groupBy) * groupBy
	for i := points - 1; i >= 0; i-- {
		ts := nowBucket - int64(i)*groupBy
		if ts+groupBy <= startUnix {
			continue
		}
		stats.History = append(stats.History, TimePoint{Time: ts, Count: history[ts]})
	}

	err = j.db.QueryRow(`
		SELECT CAST(strftime('%H', minute, 'unixepoch', 'localtime') AS INTEGER) AS hour
		FROM call_events
		WHERE minute >= ? AND kind = ? AND modality = ?
		GROUP BY hour
		ORDER BY COUNT(*) DESC, hour ASC
		LIMIT 1
	`, startUnix, string(answer.EventAccepted), string(conference.AudioVideo)).Scan(&stats.BusiestHour)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		stats.BusiestHour = -1
	case err != nil:
		return stats, fmt.Errorf("query busiest hour: %w", err)
	}
	return stats, nil
}

func (j *Journal) answeredPerBucket(start, groupBy int64) (map[int64]int, error) {
	rows, err := j.db.Query(`
		SELECT CAST(minute / ? AS INTEGER) * ? AS bucket, COUNT(*)
		FROM call_events
		WHERE minute >= ? AND kind = ? AND modality = ?
		GROUP BY bucket
		ORDER BY bucket ASC
	`, groupBy, groupBy, start, string(answer.EventAccepted), string(conference.AudioVideo))
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]int)
	for rows.Next() {
		var ts int64
		var n int
		if err := rows.Scan(&ts, &n); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out[ts] = n
	}
	return out, rows.Err()
}
