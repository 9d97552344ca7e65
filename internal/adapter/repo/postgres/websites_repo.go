package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/seekerhq/crawld/internal/domain"
)

// WebsiteRepo persists and loads crawl templates.
type WebsiteRepo struct{ Pool PgxPool }

// NewWebsiteRepo constructs a WebsiteRepo with the given pool.
func NewWebsiteRepo(p PgxPool) *WebsiteRepo { return &WebsiteRepo{Pool: p} }

const websiteColumns = `id, name, base_url, status, config, COALESCE(default_cron,''), created_at, updated_at`

func scanWebsite(row pgx.Row) (domain.Website, error) {
	var w domain.Website
	var cfg []byte
	if err := row.Scan(&w.ID, &w.Name, &w.BaseURL, &w.Status, &cfg, &w.DefaultCron, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return domain.Website{}, err
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &w.Config); err != nil {
			return domain.Website{}, err
		}
	}
	return w, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Create inserts a new website; duplicate names return ErrConflict.
func (r *WebsiteRepo) Create(ctx domain.Context, w domain.Website) (string, error) {
	tracer := otel.Tracer("repo.websites")
	ctx, span := tracer.Start(ctx, "websites.Create")
	defer span.End()
	id := w.ID
	if id == "" {
		id = uuid.New().String()
	}
	cfg, err := json.Marshal(orEmpty(w.Config))
	if err != nil {
		return "", fmt.Errorf("op=website.create: %w", err)
	}
	var cron *string
	if w.DefaultCron != "" {
		cron = &w.DefaultCron
	}
	q := `INSERT INTO website (id, name, base_url, status, config, default_cron, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	now := time.Now().UTC()
	if _, err := r.Pool.Exec(ctx, q, id, w.Name, w.BaseURL, w.Status, cfg, cron, now, now); err != nil {
		if isUniqueViolation(err) {
			return "", domain.E("website.create", domain.ErrConflict, "name already exists: "+w.Name)
		}
		return "", fmt.Errorf("op=website.create: %w", err)
	}
	return id, nil
}

// Get loads a website by id.
func (r *WebsiteRepo) Get(ctx domain.Context, id string) (domain.Website, error) {
	tracer := otel.Tracer("repo.websites")
	ctx, span := tracer.Start(ctx, "websites.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+websiteColumns+` FROM website WHERE id=$1`, id)
	w, err := scanWebsite(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Website{}, fmt.Errorf("op=website.get: %w", domain.ErrNotFound)
		}
		return domain.Website{}, fmt.Errorf("op=website.get: %w", err)
	}
	return w, nil
}

// GetByName loads a website by its unique name.
func (r *WebsiteRepo) GetByName(ctx domain.Context, name string) (domain.Website, error) {
	tracer := otel.Tracer("repo.websites")
	ctx, span := tracer.Start(ctx, "websites.GetByName")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+websiteColumns+` FROM website WHERE name=$1`, name)
	w, err := scanWebsite(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Website{}, fmt.Errorf("op=website.get_by_name: %w", domain.ErrNotFound)
		}
		return domain.Website{}, fmt.Errorf("op=website.get_by_name: %w", err)
	}
	return w, nil
}

// List returns websites ordered by name.
func (r *WebsiteRepo) List(ctx domain.Context, limit, offset int) ([]domain.Website, error) {
	tracer := otel.Tracer("repo.websites")
	ctx, span := tracer.Start(ctx, "websites.List")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT `+websiteColumns+` FROM website ORDER BY name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=website.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Website
	for rows.Next() {
		w, err := scanWebsite(rows)
		if err != nil {
			return nil, fmt.Errorf("op=website.list: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Update persists name, base URL, status, config, and default cron.
func (r *WebsiteRepo) Update(ctx domain.Context, w domain.Website) error {
	tracer := otel.Tracer("repo.websites")
	ctx, span := tracer.Start(ctx, "websites.Update")
	defer span.End()
	cfg, err := json.Marshal(orEmpty(w.Config))
	if err != nil {
		return fmt.Errorf("op=website.update: %w", err)
	}
	var cron *string
	if w.DefaultCron != "" {
		cron = &w.DefaultCron
	}
	q := `UPDATE website SET name=$2, base_url=$3, status=$4, config=$5, default_cron=$6, updated_at=$7 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, w.ID, w.Name, w.BaseURL, w.Status, cfg, cron, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return domain.E("website.update", domain.ErrConflict, "name already exists: "+w.Name)
		}
		return fmt.Errorf("op=website.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=website.update: %w", domain.ErrNotFound)
	}
	return nil
}

// Delete removes a website; scheduled jobs cascade at the schema level.
func (r *WebsiteRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.websites")
	ctx, span := tracer.Start(ctx, "websites.Delete")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM website WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=website.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=website.delete: %w", domain.ErrNotFound)
	}
	return nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
