package store

import (
	"database/sql"
	"errors"
	"time"
)

// SessionRecord is the journal entry of a finished session. Snapshot holds
// the full JSON rendering; the other columns exist for listing.
type SessionRecord struct {
	ID         string
	Command    string
	Mode       string
	Status     string
	Error      string
	Snapshot   []byte
	CreatedAt  time.Time
	FinishedAt time.Time
}

// SaveSession inserts or replaces a journal entry.
func (s *SQLiteStore) SaveSession(rec SessionRecord) error {
	query := `INSERT OR REPLACE INTO sessions (id, command, mode, status, error, snapshot, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.DB.Exec(query, rec.ID, rec.Command, rec.Mode, rec.Status, rec.Error, string(rec.Snapshot),
		rec.CreatedAt.UnixMilli(), rec.FinishedAt.UnixMilli())
	return err
}

func (s *SQLiteStore) GetSession(id string) (*SessionRecord, error) {
	query := `SELECT id, command, mode, status, error, snapshot, created_at, finished_at FROM sessions WHERE id = ?`
	var rec SessionRecord
	var snapshot string
	var created, finished int64
	err := s.DB.QueryRow(query, id).Scan(&rec.ID, &rec.Command, &rec.Mode, &rec.Status, &rec.Error, &snapshot, &created, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Snapshot = []byte(snapshot)
	rec.CreatedAt = time.UnixMilli(created)
	rec.FinishedAt = time.UnixMilli(finished)
	return &rec, nil
}

// ListSessions returns the most recent journal entries without snapshots.
func (s *SQLiteStore) ListSessions(limit int) ([]SessionRecord, error) {
	query := `SELECT id, command, mode, status, error, created_at, finished_at FROM sessions ORDER BY created_at DESC LIMIT ?`
	rows, err := s.DB.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var created, finished int64
		if err := rows.Scan(&rec.ID, &rec.Command, &rec.Mode, &rec.Status, &rec.Error, &created, &finished); err != nil {
			return nil, err
		}
		rec.CreatedAt = time.UnixMilli(created)
		rec.FinishedAt = time.UnixMilli(finished)
		out = append(out, rec)
	}
	return out, rows.Err()
}
