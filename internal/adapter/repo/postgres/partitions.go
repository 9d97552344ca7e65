package postgres

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/seekerhq/crawld/internal/domain"
)

// PartitionManager creates upcoming monthly partitions of crawl_log
// and drops those past the retention horizon. It runs as a scheduled
// maintenance task, never on the log hot path.
type PartitionManager struct {
	Pool PgxPool
}

func NewPartitionManager(p PgxPool) *PartitionManager { return &PartitionManager{Pool: p} }

func partitionName(month time.Time) string {
	return fmt.Sprintf("crawl_log_y%04dm%02d", month.Year(), int(month.Month()))
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// EnsureMonths creates partitions for the current month plus ahead
// future months. Creation is idempotent.
func (m *PartitionManager) EnsureMonths(ctx domain.Context, ahead int) error {
	start := monthStart(time.Now().UTC())
	for i := 0; i <= ahead; i++ {
		from := start.AddDate(0, i, 0)
		to := from.AddDate(0, 1, 0)
		name := partitionName(from)
		q := fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s PARTITION OF crawl_log FOR VALUES FROM ('%s') TO ('%s')`,
			name, from.Format("2006-01-02"), to.Format("2006-01-02"))
		if _, err := m.Pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("op=partitions.ensure: %s: %w", name, err)
		}
	}
	return nil
}

// DropOlderThan detaches and drops partitions entirely before the
// retention horizon.
func (m *PartitionManager) DropOlderThan(ctx domain.Context, retentionDays int) error {
	cutoff := monthStart(time.Now().UTC().AddDate(0, 0, -retentionDays))
	names, err := m.ListPartitions(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		var y, mo int
		if _, err := fmt.Sscanf(name, "crawl_log_y%4dm%2d", &y, &mo); err != nil {
			continue
		}
		partEnd := time.Date(y, time.Month(mo), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
		if !partEnd.After(cutoff) {
			if _, err := m.Pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, name)); err != nil {
				return fmt.Errorf("op=partitions.drop: %s: %w", name, err)
			}
			slog.Info("log partition dropped", slog.String("partition", name))
		}
	}
	return nil
}

// ListPartitions returns the crawl_log partition names, oldest first.
func (m *PartitionManager) ListPartitions(ctx domain.Context) ([]string, error) {
	q := `SELECT c.relname FROM pg_inherits i
	      JOIN pg_class c ON c.oid = i.inhrelid
	      JOIN pg_class p ON p.oid = i.inhparent
	      WHERE p.relname = 'crawl_log' ORDER BY c.relname`
	rows, err := m.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=partitions.list: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("op=partitions.list: %w", err)
		}
		if strings.HasPrefix(name, "crawl_log_y") {
			names = append(names, name)
		}
	}
	return names, rows.Err()
}
