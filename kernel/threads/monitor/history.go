package monitor

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nmxmxh/inos_tiles/kernel/utils"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	app  TEXT    NOT NULL,
	ts   INTEGER NOT NULL,
	body BLOB    NOT NULL
);
CREATE INDEX IF NOT EXISTS snapshots_app_ts ON snapshots (app, ts);
`

// History keeps encoded snapshots in a sqlite database.
type History struct {
	db     *sql.DB
	insert *sql.Stmt
}

// OpenHistory opens or creates the database at path.
func OpenHistory(path string) (*History, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, utils.WrapError(err, "history: open")
	}
	// sqlite serialises writers anyway; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, utils.WrapError(err, "history: schema")
	}
	insert, err := db.Prepare("INSERT INTO snapshots (app, ts, body) VALUES (?, ?, ?)")
	if err != nil {
		db.Close()
		return nil, utils.WrapError(err, "history: prepare")
	}
	return &History{db: db, insert: insert}, nil
}

func (h *History) Close() error {
	h.insert.Close()
	return h.db.Close()
}

// Record stores s.
func (h *History) Record(s *Snapshot) error {
	_, err := h.insert.Exec(s.App, s.Time, EncodeSnapshot(nil, s))
	return err
}

// Range returns the snapshots of app taken in [from, to), oldest first.
func (h *History) Range(app string, from, to int64) ([]Snapshot, error) {
	rows, err := h.db.Query("SELECT body FROM snapshots WHERE app = ? AND ts >= ? AND ts < ? ORDER BY ts, id", app, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Snapshot
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		s, err := DecodeSnapshot(body)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Latest returns the newest snapshot of app.
func (h *History) Latest(app string) (Snapshot, bool, error) {
	var body []byte
	err := h.db.QueryRow("SELECT body FROM snapshots WHERE app = ? ORDER BY ts DESC, id DESC LIMIT 1", app).Scan(&body)
	if err == sql.ErrNoRows {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	s, err := DecodeSnapshot(body)
	return s, err == nil, err
}

// Prune deletes snapshots of app taken before ts and reports how many.
func (h *History) Prune(app string, before int64) (int64, error) {
	res, err := h.db.Exec("DELETE FROM snapshots WHERE app = ? AND ts < ?", app, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Record snapshots m into h every interval until ctx is done.
func (m *Monitor) Record(ctx context.Context, h *History, interval time.Duration) error {
	ticker := m.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s := m.Snapshot()
			if err := h.Record(&s); err != nil {
				m.logger.Error("history record failed", utils.Err(err))
				return err
			}
		}
	}
}
