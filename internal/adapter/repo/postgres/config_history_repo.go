package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/seekerhq/crawld/internal/domain"
)

// ConfigHistoryRepo appends website config change audit rows.
type ConfigHistoryRepo struct{ Pool PgxPool }

func NewConfigHistoryRepo(p PgxPool) *ConfigHistoryRepo { return &ConfigHistoryRepo{Pool: p} }

// Append records one config change.
func (r *ConfigHistoryRepo) Append(ctx domain.Context, c domain.ConfigChange) (string, error) {
	tracer := otel.Tracer("repo.config_history")
	ctx, span := tracer.Start(ctx, "config_history.Append")
	defer span.End()
	id := c.ID
	if id == "" {
		id = uuid.New().String()
	}
	oldCfg, err := json.Marshal(orEmpty(c.OldConfig))
	if err != nil {
		return "", fmt.Errorf("op=config_history.append: %w", err)
	}
	newCfg, err := json.Marshal(orEmpty(c.NewConfig))
	if err != nil {
		return "", fmt.Errorf("op=config_history.append: %w", err)
	}
	at := c.ChangedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	q := `INSERT INTO config_history (id, website_id, changed_by, old_config, new_config, changed_at)
	      VALUES ($1,$2,$3,$4,$5,$6)`
	if _, err := r.Pool.Exec(ctx, q, id, c.WebsiteID, c.ChangedBy, oldCfg, newCfg, at); err != nil {
		return "", fmt.Errorf("op=config_history.append: %w", err)
	}
	return id, nil
}

// ListByWebsite returns a website's config changes, newest first.
func (r *ConfigHistoryRepo) ListByWebsite(ctx domain.Context, websiteID string, limit int) ([]domain.ConfigChange, error) {
	tracer := otel.Tracer("repo.config_history")
	ctx, span := tracer.Start(ctx, "config_history.ListByWebsite")
	defer span.End()
	q := `SELECT id, website_id, changed_by, old_config, new_config, changed_at
	      FROM config_history WHERE website_id=$1 ORDER BY changed_at DESC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, websiteID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=config_history.list: %w", err)
	}
	defer rows.Close()
	var out []domain.ConfigChange
	for rows.Next() {
		var c domain.ConfigChange
		var oldCfg, newCfg []byte
		if err := rows.Scan(&c.ID, &c.WebsiteID, &c.ChangedBy, &oldCfg, &newCfg, &c.ChangedAt); err != nil {
			return nil, fmt.Errorf("op=config_history.list: %w", err)
		}
		if len(oldCfg) > 0 {
			_ = json.Unmarshal(oldCfg, &c.OldConfig)
		}
		if len(newCfg) > 0 {
			_ = json.Unmarshal(newCfg, &c.NewConfig)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
