// Package journal persists the engine's event log and the operator's policy
// choices in a per-host SQLite database.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/victortrac/kioskanswer/internal/answer"
	"github.com/victortrac/kioskanswer/internal/conference"
	"github.com/victortrac/kioskanswer/internal/policy"
)

const flushInterval = 2 * time.Second

// Journal buffers engine events in memory and writes them out in batches, so
// Record never waits on the disk.
type Journal struct {
	db  *sql.DB
	log logrus.FieldLogger
	now func() time.Time

	mu      sync.Mutex
	pending []answer.Event

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// Open creates dataDir if needed and opens <hostname>.db inside it.
func Open(dataDir string, logger logrus.FieldLogger) (*Journal, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", dataDir, err)
	}
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("get hostname: %w", err)
	}
	return OpenPath(filepath.Join(dataDir, hostname+".db"), logger)
}

// OpenPath opens the journal database at path and starts its flush loop.
func OpenPath(path string, logger logrus.FieldLogger) (*Journal, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS call_events (
			id TEXT PRIMARY KEY,
			ts INTEGER NOT NULL,
			minute INTEGER NOT NULL,
			conversation TEXT NOT NULL,
			kind TEXT NOT NULL,
			modality TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS call_events_minute ON call_events (minute);
		CREATE TABLE IF NOT EXISTS settings (
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	j := &Journal{
		db:   db,
		log:  logger.WithField("component", "journal"),
		now:  time.Now,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go j.flushLoop()
	return j, nil
}

// Record queues ev for the next flush.
func (j *Journal) Record(ev answer.Event) {
	j.mu.Lock()
	j.pending = append(j.pending, ev)
	j.mu.Unlock()
}

func (j *Journal) flushLoop() {
	defer close(j.done)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := j.Flush(); err != nil {
				j.log.WithError(err).Warn("Failed to flush call events")
			}
		case <-j.stop:
			return
		}
	}
}

// Flush writes queued events. Events that fail to write are dropped.
func (j *Journal) Flush() error {
	j.mu.Lock()
	batch := j.pending
	j.pending = nil
	j.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	tx, err := j.db.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO call_events (id, ts, minute, conversation, kind, modality, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, ev := range batch {
		_, err := stmt.Exec(ev.ID, ev.Time.UnixMilli(), ev.Time.Truncate(time.Minute).Unix(),
			ev.ConversationID, string(ev.Kind), string(ev.Modality), ev.Detail)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("insert event %s: %w", ev.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close flushes pending events and closes the database.
func (j *Journal) Close() error {
	var err error
	j.once.Do(func() {
		close(j.stop)
		<-j.done
		err = errors.Join(j.Flush(), j.db.Close())
	})
	return err
}

// RecentEvents returns up to limit events, newest first.
func (j *Journal) RecentEvents(limit int) ([]answer.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.Query(`
		SELECT id, ts, conversation, kind, modality, detail
		FROM call_events
		ORDER BY ts DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := make([]answer.Event, 0, limit)
	for rows.Next() {
		var (
			ev       answer.Event
			ts       int64
			kind     string
			modality string
		)
		if err := rows.Scan(&ev.ID, &ts, &ev.ConversationID, &kind, &modality, &ev.Detail); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Time = time.UnixMilli(ts)
		ev.Kind = answer.EventKind(kind)
		ev.Modality = conference.ModalityType(modality)
		events = append(events, ev)
	}
	return events, rows.Err()
}

const (
	settingAutoAnswer   = "auto_answer"
	settingFullScreen   = "full_screen_on_answer"
	settingShareScreens = "auto_accept_screen_sharing"
)

// LoadPolicy returns the persisted policy, falling back to defaults for any
// setting never saved. ok reports whether anything was persisted.
func (j *Journal) LoadPolicy(defaults policy.Settings) (s policy.Settings, ok bool, err error) {
	rows, err := j.db.Query(`SELECT name, value FROM settings`)
	if err != nil {
		return defaults, false, fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()

	s = defaults
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return defaults, false, fmt.Errorf("scan setting: %w", err)
		}
		v, err := strconv.ParseBool(value)
		if err != nil {
			j.log.WithField("setting", name).Warn("Ignoring malformed persisted setting")
			continue
		}
		switch name {
		case settingAutoAnswer:
			s.AutoAnswer = v
		case settingFullScreen:
			s.FullScreenOnAnswer = v
		case settingShareScreens:
			s.AutoAcceptScreenSharing = v
		default:
			continue
		}
		ok = true
	}
	return s, ok, rows.Err()
}

// SavePolicy persists s. It fits policy.ChangeFunc once wrapped by the host.
func (j *Journal) SavePolicy(s policy.Settings) error {
	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for name, v := range map[string]bool{
		settingAutoAnswer:   s.AutoAnswer,
		settingFullScreen:   s.FullScreenOnAnswer,
		settingShareScreens: s.AutoAcceptScreenSharing,
	} {
		_, err := tx.Exec(`
			INSERT INTO settings (name, value) VALUES (?, ?)
			ON CONFLICT(name) DO UPDATE SET value = excluded.value
		`, name, strconv.FormatBool(v))
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("save %s: %w", name, err)
		}
	}
	return tx.Commit()
}
