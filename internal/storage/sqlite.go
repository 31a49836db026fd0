package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:proctorguard.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db, bind: func(int) string { return "?" }}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	return s.initSchema(ctx, []string{
		`CREATE TABLE IF NOT EXISTS reports (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TIMESTAMP NOT NULL,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			result TEXT NOT NULL,
			suspicion_level REAL NOT NULL,
			sensitivity INTEGER NOT NULL,
			anomaly_count INTEGER NOT NULL,
			payload BLOB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reports_session ON reports(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_reports_user ON reports(user_id)`,
		`CREATE TABLE IF NOT EXISTS profiles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TIMESTAMP NOT NULL,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			keystroke_count INTEGER NOT NULL,
			payload BLOB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_profiles_user ON profiles(user_id)`,
	})
}
