package store

import (
	"time"
)

// Schedule is a command run again every IntervalSeconds. An interval of
// zero runs once and is then removed.
type Schedule struct {
	ID              int64     `json:"id"`
	Command         string    `json:"command"`
	Mode            string    `json:"mode"`
	IntervalSeconds int       `json:"interval_seconds"`
	LastRun         time.Time `json:"last_run,omitzero"`
	CreatedAt       time.Time `json:"created_at"`
}

func (s *SQLiteStore) AddSchedule(command, mode string, intervalSeconds int) (Schedule, error) {
	now := time.Now()
	query := `INSERT INTO schedules (command, mode, interval_seconds, last_run, created_at) VALUES (?, ?, ?, 0, ?)`
	res, err := s.DB.Exec(query, command, mode, intervalSeconds, now.Unix())
	if err != nil {
		return Schedule{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Schedule{}, err
	}
	return Schedule{
		ID:              id,
		Command:         command,
		Mode:            mode,
		IntervalSeconds: intervalSeconds,
		CreatedAt:       time.Unix(now.Unix(), 0),
	}, nil
}

func (s *SQLiteStore) ListSchedules() ([]Schedule, error) {
	return s.querySchedules(`SELECT id, command, mode, interval_seconds, last_run, created_at FROM schedules ORDER BY id`)
}

// DueSchedules returns schedules never run or whose interval has elapsed
// at now.
func (s *SQLiteStore) DueSchedules(now time.Time) ([]Schedule, error) {
	return s.querySchedules(`SELECT id, command, mode, interval_seconds, last_run, created_at FROM schedules
		WHERE last_run = 0 OR ? - last_run >= interval_seconds ORDER BY id`, now.Unix())
}

func (s *SQLiteStore) MarkScheduleRun(id int64, at time.Time) error {
	_, err := s.DB.Exec(`UPDATE schedules SET last_run = ? WHERE id = ?`, at.Unix(), id)
	return err
}

func (s *SQLiteStore) DeleteSchedule(id int64) error {
	res, err := s.DB.Exec(`DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) querySchedules(query string, args ...any) ([]Schedule, error) {
	rows, err := s.DB.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		var sc Schedule
		var lastRun, created int64
		if err := rows.Scan(&sc.ID, &sc.Command, &sc.Mode, &sc.IntervalSeconds, &lastRun, &created); err != nil {
			return nil, err
		}
		if lastRun > 0 {
			sc.LastRun = time.Unix(lastRun, 0)
		}
		sc.CreatedAt = time.Unix(created, 0)
		out = append(out, sc)
	}
	return out, rows.Err()
}
