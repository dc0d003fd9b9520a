package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/xaenox/threadkeeper/internal/models"
)

//go:embed migrations.sql
var migrations embed.FS

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Unique indexes on threads, see migrations.sql.
const (
	fingerprintIndex = "threads_user_fingerprint_idx"
	oneActiveIndex   = "threads_one_active_idx"
)

// violatedIndex returns the unique index err violated, or "" when err is
// not a unique violation.
func violatedIndex(err error) string {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
		return ""
	}
	return pqErr.Constraint
}

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	UseInMemory bool
}

type PostgresStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStorage(config DatabaseConfig, logger *zap.Logger) (*PostgresStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	storage := &PostgresStorage{db: db, logger: logger}

	// Initialize database schema
	if err := storage.initializeSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return storage, nil
}

func (s *PostgresStorage) initializeSchema(ctx context.Context) error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}
	return nil
}

// unavailable marks driver failures so callers can fall back.
func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

const threadColumns = `id, user_id, status, created_at, last_activity_at, message_count,
	topic_centroid, recent_entities, recent_intents, COALESCE(fingerprint, '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (*models.Thread, error) {
	var (
		t        models.Thread
		status   string
		centroid pq.Float64Array
	)
	err := row.Scan(
		&t.ID,
		&t.UserID,
		&status,
		&t.CreatedAt,
		&t.LastActivityAt,
		&t.MessageCount,
		&centroid,
		pq.Array(&t.RecentEntities),
		pq.Array(&t.RecentIntents),
		&t.Fingerprint,
	)
	if err != nil {
		return nil, err
	}
	t.Status = models.ThreadStatus(status)
	if len(centroid) > 0 {
		t.TopicCentroid = make([]float32, len(centroid))
		for i, v := range centroid {
			t.TopicCentroid[i] = float32(v)
		}
	}
	return &t, nil
}

func toFloat64Array(v []float32) pq.Float64Array {
	out := make(pq.Float64Array, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

func (s *PostgresStorage) GetActiveThread(ctx context.Context, userID string) (*models.Thread, error) {
	query := `SELECT ` + threadColumns + ` FROM threads WHERE user_id = $1 AND status = 'active'`

	t, err := scanThread(s.db.QueryRowContext(ctx, query, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("query active thread", err)
	}
	return t, nil
}

func (s *PostgresStorage) GetDormantThreads(ctx context.Context, userID string, limit int) ([]*models.Thread, error) {
	query := `SELECT ` + threadColumns + ` FROM threads
		WHERE user_id = $1 AND status = 'dormant'
		ORDER BY last_activity_at DESC
		LIMIT $2`
	return s.queryThreads(ctx, "query dormant threads", query, userID, limit)
}

func (s *PostgresStorage) ListThreads(ctx context.Context, userID string, limit int) ([]*models.Thread, error) {
	query := `SELECT ` + threadColumns + ` FROM threads
		WHERE user_id = $1 AND status <> 'archived'
		ORDER BY last_activity_at DESC
		LIMIT $2`
	return s.queryThreads(ctx, "list threads", query, userID, limit)
}

func (s *PostgresStorage) queryThreads(ctx context.Context, op, query string, userID string, limit int) ([]*models.Thread, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	var threads []*models.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning thread: %w", err)
		}
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return threads, nil
}

func (s *PostgresStorage) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	query := `SELECT ` + threadColumns + ` FROM threads WHERE id = $1`

	t, err := scanThread(s.db.QueryRowContext(ctx, query, threadID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	if err != nil {
		return nil, unavailable("query thread", err)
	}
	return t, nil
}

func (s *PostgresStorage) CreateThread(ctx context.Context, thread *models.Thread) (*models.Thread, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, unavailable("begin create thread", err)
	}
	defer tx.Rollback()

	if thread.Fingerprint != "" {
		existing, err := scanThread(tx.QueryRowContext(ctx,
			`SELECT `+threadColumns+` FROM threads WHERE user_id = $1 AND fingerprint = $2`,
			thread.UserID, thread.Fingerprint))
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, unavailable("query fingerprint", err)
		}
	}

	if thread.Status == models.StatusActive {
		if _, err := tx.ExecContext(ctx,
			`UPDATE threads SET status = 'dormant' WHERE user_id = $1 AND status = 'active'`,
			thread.UserID); err != nil {
			return nil, false, unavailable("demote active thread", err)
		}
	}

	var fingerprint sql.NullString
	if thread.Fingerprint != "" {
		fingerprint = sql.NullString{String: thread.Fingerprint, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO threads (id, user_id, status, created_at, last_activity_at, message_count,
			topic_centroid, recent_entities, recent_intents, fingerprint)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		thread.ID,
		thread.UserID,
		string(thread.Status),
		thread.CreatedAt,
		thread.LastActivityAt,
		thread.MessageCount,
		toFloat64Array(thread.TopicCentroid),
		pq.Array(nonNil(thread.RecentEntities)),
		pq.Array(nonNil(thread.RecentIntents)),
		fingerprint,
	)
	if err != nil {
		switch violatedIndex(err) {
		case fingerprintIndex:
			if thread.Fingerprint == "" {
				break
			}
			// Lost a race with another process creating the same fingerprint.
			tx.Rollback()
			s.logger.Warn("Duplicate thread creation detected",
				zap.String("user_id", thread.UserID),
				zap.String("fingerprint", thread.Fingerprint))
			existing, err := scanThread(s.db.QueryRowContext(ctx,
				`SELECT `+threadColumns+` FROM threads WHERE user_id = $1 AND fingerprint = $2`,
				thread.UserID, thread.Fingerprint))
			if err != nil {
				return nil, false, unavailable("query fingerprint", err)
			}
			return existing, false, nil
		case oneActiveIndex:
			s.logger.Warn("Concurrent thread activation detected",
				zap.String("user_id", thread.UserID),
				zap.String("thread_id", thread.ID))
			return nil, false, unavailable("insert thread: user already has an active thread", err)
		}
		return nil, false, unavailable("insert thread", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, unavailable("commit create thread", err)
	}
	return thread.Clone(), true, nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func (s *PostgresStorage) UpdateThread(ctx context.Context, threadID string, delta models.ThreadDelta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin update thread", err)
	}
	defer tx.Rollback()

	var userID, status string
	err = tx.QueryRowContext(ctx,
		`SELECT user_id, status FROM threads WHERE id = $1 FOR UPDATE`, threadID).Scan(&userID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	if err != nil {
		return unavailable("lock thread", err)
	}
	if models.ThreadStatus(status) == models.StatusArchived {
		return fmt.Errorf("thread %s is archived", threadID)
	}

	if delta.Status != nil && *delta.Status == models.StatusActive {
		if _, err := tx.ExecContext(ctx,
			`UPDATE threads SET status = 'dormant' WHERE user_id = $1 AND status = 'active' AND id <> $2`,
			userID, threadID); err != nil {
			return unavailable("demote active thread", err)
		}
	}

	var (
		centroid any
		entities any
		intents  any
	)
	if delta.TopicCentroid != nil {
		centroid = toFloat64Array(delta.TopicCentroid)
	}
	if delta.RecentEntities != nil {
		entities = pq.Array(delta.RecentEntities)
	}
	if delta.RecentIntents != nil {
		intents = pq.Array(delta.RecentIntents)
	}
	var newStatus sql.NullString
	if delta.Status != nil {
		newStatus = sql.NullString{String: string(*delta.Status), Valid: true}
	}
	var lastActivity sql.NullTime
	if delta.LastActivityAt != nil {
		lastActivity = sql.NullTime{Time: *delta.LastActivityAt, Valid: true}
	}
	var messageCount sql.NullInt64
	if delta.MessageCount != nil {
		messageCount = sql.NullInt64{Int64: int64(*delta.MessageCount), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE threads SET
			status           = COALESCE($2, status),
			last_activity_at = GREATEST(last_activity_at, COALESCE($3, last_activity_at)),
			message_count    = COALESCE($4, message_count),
			topic_centroid   = COALESCE($5, topic_centroid),
			recent_entities  = COALESCE($6, recent_entities),
			recent_intents   = COALESCE($7, recent_intents)
		WHERE id = $1`,
		threadID, newStatus, lastActivity, messageCount, centroid, entities, intents,
	)
	if err != nil {
		return unavailable("update thread", err)
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit update thread", err)
	}
	return nil
}

func (s *PostgresStorage) GetAdjustments(ctx context.Context, userID string) ([]models.ProfileAdjustment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, version, kind, continuation_bias, dormancy_tolerance_ms, weights, created_at
		FROM profile_adjustments
		WHERE user_id = $1
		ORDER BY version`, userID)
	if err != nil {
		return nil, unavailable("query profile adjustments", err)
	}
	defer rows.Close()

	var adjustments []models.ProfileAdjustment
	for rows.Next() {
		var (
			adj         models.ProfileAdjustment
			kind        string
			toleranceMS int64
			weights     []byte
		)
		if err := rows.Scan(&adj.ID, &adj.UserID, &adj.Version, &kind, &adj.ContinuationBias,
			&toleranceMS, &weights, &adj.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning profile adjustment: %w", err)
		}
		adj.Kind = models.CorrectionKind(kind)
		adj.DormancyTolerance = time.Duration(toleranceMS) * time.Millisecond
		if len(weights) > 0 {
			var w models.Weights
			if err := json.Unmarshal(weights, &w); err != nil {
				return nil, fmt.Errorf("error decoding profile weights: %w", err)
			}
			adj.Weights = &w
		}
		adjustments = append(adjustments, adj)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("query profile adjustments", err)
	}
	return adjustments, nil
}

func (s *PostgresStorage) AppendAdjustment(ctx context.Context, adj models.ProfileAdjustment) error {
	var weights sql.NullString
	if adj.Weights != nil {
		raw, err := json.Marshal(adj.Weights)
		if err != nil {
			return fmt.Errorf("error encoding profile weights: %w", err)
		}
		weights = sql.NullString{String: string(raw), Valid: true}
	}

	// The version must follow the latest stored one; the unique index guards concurrent writers.
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO profile_adjustments
			(id, user_id, version, kind, continuation_bias, dormancy_tolerance_ms, weights, created_at)
		SELECT $1::text, $2::text, $3::int, $4::text, $5::float8, $6::bigint, $7::jsonb, $8::timestamptz
		WHERE $3::int = 1 + COALESCE((SELECT MAX(version) FROM profile_adjustments WHERE user_id = $2::text), 0)`,
		adj.ID, adj.UserID, adj.Version, string(adj.Kind), adj.ContinuationBias,
		adj.DormancyTolerance.Milliseconds(), weights, adj.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: version %d", ErrVersionConflict, adj.Version)
		}
		return unavailable("insert profile adjustment", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: version %d", ErrVersionConflict, adj.Version)
	}
	return nil
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
