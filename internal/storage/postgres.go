package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/xaenox/karma-bot/internal/models"
	"go.uber.org/zap"
)

//go:embed migrations.sql
var migrations embed.FS

// maxUpdateAttempts bounds the optimistic retry loop of a conditional update.
const maxUpdateAttempts = 5

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	UseInMemory bool
}

// PostgresStorage stores every collection in one JSONB documents table.
// Conditional updates compare-and-swap on the per-document version column.
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
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	storage := &PostgresStorage{db: db, logger: logger}

	// Initialize database schema
	if err := storage.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return storage, nil
}

func (s *PostgresStorage) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}

	if _, err := s.db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}

	return nil
}

// translate maps driver errors onto storage and domain errors. Anything
// that is not a constraint violation is treated as transient.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAlreadyExists
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", models.ErrTransientStore, err)
}

func pgCreate[T any](ctx context.Context, s *PostgresStorage, coll, id string, v *T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", coll, id, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, data) VALUES ($1, $2, $3)`,
		coll, id, data)
	return translate(err)
}

func pgGet[T any](ctx context.Context, s *PostgresStorage, coll, id string) (*T, error) {
	v, _, err := pgGetVersion[T](ctx, s, coll, id)
	return v, err
}

func pgGetVersion[T any](ctx context.Context, s *PostgresStorage, coll, id string) (*T, int64, error) {
	var (
		data    []byte
		version int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data, version FROM documents WHERE collection = $1 AND id = $2`,
		coll, id).Scan(&data, &version)
	if err != nil {
		return nil, 0, translate(err)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, 0, fmt.Errorf("decode %s/%s: %w", coll, id, err)
	}
	return &v, version, nil
}

func pgUpdate[T any](ctx context.Context, s *PostgresStorage, coll, id string, fn func(*T) error) (*T, error) {
	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		v, version, err := pgGetVersion[T](ctx, s, coll, id)
		if err != nil {
			return nil, err
		}
		if err := fn(v); err != nil {
			return nil, err
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s/%s: %w", coll, id, err)
		}

		res, err := s.db.ExecContext(ctx,
			`UPDATE documents SET data = $1, version = version + 1, updated_at = NOW()
			 WHERE collection = $2 AND id = $3 AND version = $4`,
			data, coll, id, version)
		if err != nil {
			return nil, translate(err)
		}
		rowsAffected, err := res.RowsAffected()
		if err != nil {
			return nil, translate(err)
		}
		if rowsAffected == 1 {
			return v, nil
		}

		s.logger.Debug("Document version conflict, retrying",
			zap.String("collection", coll),
			zap.String("id", id),
			zap.Int("attempt", attempt))
	}
	return nil, ErrConflict
}

// pgList runs a filtered query. where is appended to the collection
// predicate and refers to placeholders starting at $2.
func pgList[T any](ctx context.Context, s *PostgresStorage, coll, where, orderBy string, args ...any) ([]*T, error) {
	query := `SELECT id, data FROM documents WHERE collection = $1`
	if where != "" {
		query += " AND " + where
	}
	query += " ORDER BY " + orderBy

	rows, err := s.db.QueryContext(ctx, query, append([]any{coll}, args...)...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var (
			id   string
			data []byte
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, translate(err)
		}
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", coll, id, err)
		}
		out = append(out, &v)
	}
	return out, translate(rows.Err())
}

// predicates accumulates SQL conditions with numbered placeholders.
type predicates struct {
	conds []string
	args  []any
}

func (p *predicates) add(cond string, arg any) {
	p.args = append(p.args, arg)
	p.conds = append(p.conds, strings.ReplaceAll(cond, "?", fmt.Sprintf("$%d", len(p.args)+1)))
}

func (p *predicates) addRaw(cond string) {
	p.conds = append(p.conds, cond)
}

func (p *predicates) where() string {
	return strings.Join(p.conds, " AND ")
}

func commitmentPredicates(filter CommitmentFilter, instantField string) *predicates {
	p := &predicates{}
	if filter.PartyID != 0 {
		p.add(`((data->>'recruiter_id')::bigint = ? OR (data->>'counterpart_id')::bigint = ?)`, filter.PartyID)
	}
	if filter.From != nil {
		p.add(fmt.Sprintf(`(data->>'%s')::timestamptz >= ?`, instantField), filter.From.UTC())
	}
	if filter.To != nil {
		p.add(fmt.Sprintf(`(data->>'%s')::timestamptz < ?`, instantField), filter.To.UTC())
	}
	if filter.Unprompted {
		p.addRaw(`data->>'outcome_prompted_at' IS NULL`)
	}
	return p
}

// User methods
func (s *PostgresStorage) CreateUser(ctx context.Context, user *models.User) error {
	return pgCreate(ctx, s, collUsers, userKey(user.ID), user)
}

func (s *PostgresStorage) GetUser(ctx context.Context, id int64) (*models.User, error) {
	return pgGet[models.User](ctx, s, collUsers, userKey(id))
}

func (s *PostgresStorage) GetUserByHandle(ctx context.Context, handle string) (*models.User, error) {
	users, err := pgList[models.User](ctx, s, collUsers,
		`lower(data->>'handle') = lower($2)`, `id`, handle)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, ErrNotFound
	}
	return users[0], nil
}

func (s *PostgresStorage) UpdateUser(ctx context.Context, id int64, fn func(*models.User) error) (*models.User, error) {
	return pgUpdate(ctx, s, collUsers, userKey(id), fn)
}

func (s *PostgresStorage) ListUsers(ctx context.Context, filter UserFilter) ([]*models.User, error) {
	p := &predicates{}
	if filter.Role != "" {
		p.add(`data->>'role' = ?`, string(filter.Role))
	}
	if filter.Status != "" {
		p.add(`data->'subscription'->>'status' = ?`, string(filter.Status))
	}
	return pgList[models.User](ctx, s, collUsers, p.where(), `id`, p.args...)
}

// Meeting methods
func (s *PostgresStorage) CreateMeetingRequest(ctx context.Context, req *models.MeetingRequest) error {
	return pgCreate(ctx, s, collMeetingRequests, req.ID, req)
}

func (s *PostgresStorage) GetMeetingRequest(ctx context.Context, id string) (*models.MeetingRequest, error) {
	return pgGet[models.MeetingRequest](ctx, s, collMeetingRequests, id)
}

func (s *PostgresStorage) UpdateMeetingRequest(ctx context.Context, id string, fn func(*models.MeetingRequest) error) (*models.MeetingRequest, error) {
	return pgUpdate(ctx, s, collMeetingRequests, id, fn)
}

func (s *PostgresStorage) DeleteMeetingRequest(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`,
		collMeetingRequests, id)
	if err != nil {
		return translate(err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return translate(err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStorage) CreateMeetingCommitment(ctx context.Context, c *models.MeetingCommitment) error {
	return pgCreate(ctx, s, collMeetingCommitments, c.ID, c)
}

func (s *PostgresStorage) GetMeetingCommitment(ctx context.Context, id string) (*models.MeetingCommitment, error) {
	return pgGet[models.MeetingCommitment](ctx, s, collMeetingCommitments, id)
}

func (s *PostgresStorage) UpdateMeetingCommitment(ctx context.Context, id string, fn func(*models.MeetingCommitment) error) (*models.MeetingCommitment, error) {
	return pgUpdate(ctx, s, collMeetingCommitments, id, fn)
}

func (s *PostgresStorage) ListMeetingCommitments(ctx context.Context, filter CommitmentFilter) ([]*models.MeetingCommitment, error) {
	p := commitmentPredicates(filter, "start")
	if filter.FeedbackDueBefore != nil {
		p.addRaw(`coalesce(data->>'feedback_request_id', '') = ''`)
		p.add(`(data->>'feedback_due_at')::timestamptz <= ?`, filter.FeedbackDueBefore.UTC())
	}
	return pgList[models.MeetingCommitment](ctx, s, collMeetingCommitments, p.where(),
		`(data->>'start')::timestamptz, id`, p.args...)
}

// Feedback methods
func (s *PostgresStorage) CreateFeedbackRequest(ctx context.Context, req *models.FeedbackRequest) error {
	return pgCreate(ctx, s, collFeedbackRequests, req.ID, req)
}

func (s *PostgresStorage) GetFeedbackRequest(ctx context.Context, id string) (*models.FeedbackRequest, error) {
	return pgGet[models.FeedbackRequest](ctx, s, collFeedbackRequests, id)
}

func (s *PostgresStorage) UpdateFeedbackRequest(ctx context.Context, id string, fn func(*models.FeedbackRequest) error) (*models.FeedbackRequest, error) {
	return pgUpdate(ctx, s, collFeedbackRequests, id, fn)
}

func (s *PostgresStorage) CreateFeedbackCommitment(ctx context.Context, c *models.FeedbackCommitment) error {
	return pgCreate(ctx, s, collFeedbackCommitments, c.ID, c)
}

func (s *PostgresStorage) GetFeedbackCommitment(ctx context.Context, id string) (*models.FeedbackCommitment, error) {
	return pgGet[models.FeedbackCommitment](ctx, s, collFeedbackCommitments, id)
}

func (s *PostgresStorage) UpdateFeedbackCommitment(ctx context.Context, id string, fn func(*models.FeedbackCommitment) error) (*models.FeedbackCommitment, error) {
	return pgUpdate(ctx, s, collFeedbackCommitments, id, fn)
}

func (s *PostgresStorage) ListFeedbackCommitments(ctx context.Context, filter CommitmentFilter) ([]*models.FeedbackCommitment, error) {
	if filter.FeedbackDueBefore != nil {
		return nil, nil
	}
	p := commitmentPredicates(filter, "due_at")
	return pgList[models.FeedbackCommitment](ctx, s, collFeedbackCommitments, p.where(),
		`(data->>'due_at')::timestamptz, id`, p.args...)
}

func (s *PostgresStorage) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return translate(s.db.PingContext(ctx))
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
