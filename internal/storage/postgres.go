package storage

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/proctorguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db, bind: func(n int) string { return "$" + strconv.Itoa(n) }}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	return s.initSchema(ctx, []string{
		`CREATE TABLE IF NOT EXISTS reports (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			result TEXT NOT NULL,
			suspicion_level DOUBLE PRECISION NOT NULL,
			sensitivity INTEGER NOT NULL,
			anomaly_count INTEGER NOT NULL,
			payload BYTEA NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reports_session ON reports(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_reports_user ON reports(user_id)`,
		`CREATE TABLE IF NOT EXISTS profiles (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			keystroke_count INTEGER NOT NULL,
			payload BYTEA NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_profiles_user ON profiles(user_id)`,
	})
}
