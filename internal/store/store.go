package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// ErrNotFound is returned when a session or schedule id does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore keeps conversation history, the session journal and
// scheduled commands in one sqlite file.
type SQLiteStore struct {
	DB *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	queries := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id TEXT,
			role TEXT,
			content TEXT,
			timestamp INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS messages_chat ON messages (chat_id, id);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			command TEXT,
			mode TEXT,
			status TEXT,
			error TEXT,
			snapshot TEXT,
			created_at INTEGER,
			finished_at INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			command TEXT,
			mode TEXT,
			interval_seconds INTEGER,
			last_run INTEGER,
			created_at INTEGER
		);`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize store: %w", err)
		}
	}

	return &SQLiteStore{DB: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.DB.Close()
}

// Message is one stored conversational turn.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *SQLiteStore) AddMessage(chatID string, role string, content string) error {
	query := `INSERT INTO messages (chat_id, role, content, timestamp) VALUES (?, ?, ?, ?)`
	_, err := s.DB.Exec(query, chatID, role, content, time.Now().Unix())
	return err
}

// GetHistory returns the last limit messages of a chat, oldest first.
func (s *SQLiteStore) GetHistory(chatID string, limit int) ([]Message, error) {
	query := `SELECT role, content, timestamp FROM messages WHERE chat_id = ? ORDER BY id DESC LIMIT ?`
	rows, err := s.DB.Query(query, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []Message
	for rows.Next() {
		var m Message
		var ts int64
		if err := rows.Scan(&m.Role, &m.Content, &ts); err != nil {
			return nil, err
		}
		m.Timestamp = time.Unix(ts, 0)
		history = append(history, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to get chronological order
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	return history, nil
}

func (s *SQLiteStore) ClearHistory(chatID string) error {
	_, err := s.DB.Exec(`DELETE FROM messages WHERE chat_id = ?`, chatID)
	return err
}
