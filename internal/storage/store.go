package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang/snappy"

	"proctorguard/internal/config"
	"proctorguard/internal/model"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveReport(ctx context.Context, report *model.AnalysisReport) error
	SaveProfile(ctx context.Context, sessionID, userID string, p *model.UserProfile) error
	GetReport(ctx context.Context, sessionID string) (*model.AnalysisReport, error)
	ListReports(ctx context.Context, userID string, limit int) ([]*model.AnalysisReport, error)
	LatestProfile(ctx context.Context, userID string) (*model.UserProfile, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

// baseStore holds the queries both drivers share. bind rewrites the n-th
// placeholder for the driver.
type baseStore struct {
	db   *sql.DB
	bind func(n int) string
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = b.bind(i + 1)
	}
	return strings.Join(parts, ", ")
}

func (b *baseStore) SaveReport(ctx context.Context, report *model.AnalysisReport) error {
	if b.db == nil || report == nil {
		return nil
	}
	payload, err := encodePayload(report)
	if err != nil {
		return err
	}
	ts := report.Timestamp
	if ts.IsZero() {
		ts = nowUTC()
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO reports (ts, session_id, user_id, result, suspicion_level, sensitivity, anomaly_count, payload)
		VALUES (`+b.placeholders(8)+`)`,
		ts.UTC(),
		report.SessionID,
		report.UserID,
		string(report.Result),
		report.SuspicionLevel,
		report.Sensitivity,
		len(report.Anomalies),
		payload,
	)
	return err
}

func (b *baseStore) SaveProfile(ctx context.Context, sessionID, userID string, p *model.UserProfile) error {
	if b.db == nil || p == nil {
		return nil
	}
	payload, err := encodePayload(p)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO profiles (ts, session_id, user_id, keystroke_count, payload)
		VALUES (`+b.placeholders(5)+`)`,
		nowUTC(),
		sessionID,
		userID,
		p.KeystrokeCount,
		payload,
	)
	return err
}

// GetReport returns the newest report stored for a session.
func (b *baseStore) GetReport(ctx context.Context, sessionID string) (*model.AnalysisReport, error) {
	if b.db == nil {
		return nil, ErrNotFound
	}
	var payload []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT payload FROM reports WHERE session_id = `+b.bind(1)+` ORDER BY id DESC LIMIT 1`,
		sessionID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var report model.AnalysisReport
	if err := decodePayload(payload, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// ListReports returns the newest reports first, optionally for one user.
func (b *baseStore) ListReports(ctx context.Context, userID string, limit int) ([]*model.AnalysisReport, error) {
	if b.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT payload FROM reports`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id = ` + b.bind(1)
		args = append(args, userID)
	}
	query += fmt.Sprintf(` ORDER BY id DESC LIMIT %d`, limit)
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*model.AnalysisReport, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var report model.AnalysisReport
		if err := decodePayload(payload, &report); err != nil {
			return nil, err
		}
		out = append(out, &report)
	}
	return out, rows.Err()
}

func (b *baseStore) LatestProfile(ctx context.Context, userID string) (*model.UserProfile, error) {
	if b.db == nil {
		return nil, ErrNotFound
	}
	var payload []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT payload FROM profiles WHERE user_id = `+b.bind(1)+` ORDER BY id DESC LIMIT 1`,
		userID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var p model.UserProfile
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (b *baseStore) initSchema(ctx context.Context, stmts []string) error {
	if b.db == nil {
		return nil
	}
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// encodePayload stores values as snappy-compressed JSON.
func encodePayload(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return snappy.Encode(nil, data), nil
}

func decodePayload(blob []byte, out any) error {
	data, err := snappy.Decode(nil, blob)
	if err != nil {
		return fmt.Errorf("decompress payload: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
