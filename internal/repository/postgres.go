package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zhejian/url-shortener/internal/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const uniqueViolation = "23505"

const linkColumns = `id, code, target_url, COALESCE(owner_id, ''), created_at, expires_at, usage_count`

// PostgresLinkStore handles database operations for short links
type PostgresLinkStore struct {
	db *pgxpool.Pool
}

// NewPostgresLinkStore creates a new link store on the given pool
func NewPostgresLinkStore(db *pgxpool.Pool) *PostgresLinkStore {
	return &PostgresLinkStore{db: db}
}

func startSpan(ctx context.Context, name, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	base := []attribute.KeyValue{
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", operation),
		attribute.String("db.sql.table", "short_links"),
	}
	return tracer.Start(ctx, name, trace.WithAttributes(append(base, attrs...)...))
}

// unavailable records err on span and wraps it as ErrStoreUnavailable.
func unavailable(span trace.Span, op string, err error) error {
	span.RecordError(err)
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// Create inserts a new link record into the database
func (r *PostgresLinkStore) Create(ctx context.Context, link *model.ShortLink) error {
	ctx, span := startSpan(ctx, "db.insert", "INSERT", attribute.String("short_code", link.Code))
	defer span.End()

	// The unique constraint on code covers expired rows as well, so a conflict
	// here means the code was used at some point and must not be reused.
	query := `
		INSERT INTO short_links (id, code, target_url, owner_id, created_at, expires_at, usage_count)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)
	`
	_, err := r.db.Exec(ctx, query,
		link.ID,
		link.Code,
		link.TargetURL,
		link.OwnerID,
		link.CreatedAt,
		link.ExpiresAt,
		link.UsageCount,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrCodeConflict
		}
		return unavailable(span, "insert link", err)
	}
	return nil
}

// GetLive retrieves a link by its short code if it has not expired
func (r *PostgresLinkStore) GetLive(ctx context.Context, code string, now time.Time) (*model.ShortLink, error) {
	ctx, span := startSpan(ctx, "db.select", "SELECT", attribute.String("short_code", code))
	defer span.End()

	query := `SELECT ` + linkColumns + `
		FROM short_links
		WHERE code = $1 AND expires_at > $2`
	link, err := scanLink(r.db.QueryRow(ctx, query, code, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, unavailable(span, "get live link", err)
	}
	return link, nil
}

// FindLiveByTarget returns the oldest live link pointing at targetURL
func (r *PostgresLinkStore) FindLiveByTarget(ctx context.Context, targetURL string, now time.Time) (*model.ShortLink, error) {
	ctx, span := startSpan(ctx, "db.select", "SELECT")
	defer span.End()

	query := `SELECT ` + linkColumns + `
		FROM short_links
		WHERE target_url = $1 AND expires_at > $2
		ORDER BY created_at ASC
		LIMIT 1`
	link, err := scanLink(r.db.QueryRow(ctx, query, targetURL, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, unavailable(span, "find link by target", err)
	}
	return link, nil
}

// CodeExists reports whether code was ever allocated
func (r *PostgresLinkStore) CodeExists(ctx context.Context, code string) (bool, error) {
	ctx, span := startSpan(ctx, "db.select", "SELECT", attribute.String("short_code", code))
	defer span.End()

	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM short_links WHERE code = $1)`, code).Scan(&exists)
	if err != nil {
		return false, unavailable(span, "check code", err)
	}
	return exists, nil
}

// IncrementUsage increments the usage counter for a link
func (r *PostgresLinkStore) IncrementUsage(ctx context.Context, code string) (int64, error) {
	ctx, span := startSpan(ctx, "db.update", "UPDATE", attribute.String("short_code", code))
	defer span.End()

	var count int64
	err := r.db.QueryRow(ctx,
		`UPDATE short_links SET usage_count = usage_count + 1 WHERE code = $1 RETURNING usage_count`,
		code,
	).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, unavailable(span, "increment usage", err)
	}
	return count, nil
}

// ListByOwner returns all links created by ownerID, newest first
func (r *PostgresLinkStore) ListByOwner(ctx context.Context, ownerID string) ([]*model.ShortLink, error) {
	ctx, span := startSpan(ctx, "db.select", "SELECT", attribute.String("owner_id", ownerID))
	defer span.End()

	query := `SELECT ` + linkColumns + `
		FROM short_links
		WHERE owner_id = $1
		ORDER BY created_at DESC`
	rows, err := r.db.Query(ctx, query, ownerID)
	if err != nil {
		return nil, unavailable(span, "list links", err)
	}
	defer rows.Close()

	links := make([]*model.ShortLink, 0)
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, unavailable(span, "scan link", err)
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(span, "list links", err)
	}
	return links, nil
}

// DeleteOwned removes a link by its short code when it belongs to ownerID
func (r *PostgresLinkStore) DeleteOwned(ctx context.Context, code, ownerID string) error {
	ctx, span := startSpan(ctx, "db.delete", "DELETE", attribute.String("short_code", code))
	defer span.End()

	// Someone else's link is reported the same as a missing one.
	result, err := r.db.Exec(ctx, `DELETE FROM short_links WHERE code = $1 AND owner_id = $2`, code, ownerID)
	if err != nil {
		return unavailable(span, "delete link", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAllByOwner removes every link of ownerID and returns the deleted codes
func (r *PostgresLinkStore) DeleteAllByOwner(ctx context.Context, ownerID string) ([]string, error) {
	ctx, span := startSpan(ctx, "db.delete", "DELETE", attribute.String("owner_id", ownerID))
	defer span.End()

	rows, err := r.db.Query(ctx, `DELETE FROM short_links WHERE owner_id = $1 RETURNING code`, ownerID)
	if err != nil {
		return nil, unavailable(span, "clear links", err)
	}
	codes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, unavailable(span, "clear links", err)
	}
	return codes, nil
}

// Ping checks database connectivity
func (r *PostgresLinkStore) Ping(ctx context.Context) error {
	if err := r.db.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

func scanLink(row pgx.Row) (*model.ShortLink, error) {
	var link model.ShortLink
	err := row.Scan(
		&link.ID,
		&link.Code,
		&link.TargetURL,
		&link.OwnerID,
		&link.CreatedAt,
		&link.ExpiresAt,
		&link.UsageCount,
	)
	if err != nil {
		return nil, err
	}
	return &link, nil
}

var _ LinkStore = (*PostgresLinkStore)(nil)
