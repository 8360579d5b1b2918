package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"feedcron/internal/core"
)

// OpenArticles opens a read-only SQLite database that holds an articles table
// maintained by the article collector, for use as an article resolver.
func OpenArticles(ctx context.Context, path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("articles database: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open articles database: %w", err)
	}
	db.SetMaxOpenConns(2)
	timeout := int((5 * time.Second) / time.Millisecond)
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", timeout)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'articles'`).Scan(&n); err != nil {
		db.Close()
		return nil, fmt.Errorf("inspect articles database: %w", err)
	}
	if n == 0 {
		db.Close()
		return nil, fmt.Errorf("articles database %s has no articles table", path)
	}
	return &Store{DB: db, now: time.Now}, nil
}

// ResolveArticleIDs evaluates filter against the articles table, newest first,
// returning at most filter.Cap() ids.
func (s *Store) ResolveArticleIDs(ctx context.Context, filter core.ArticleFilter) ([]string, error) {
	var (
		where []string
		args  []any
	)
	if filter.OnlyWithoutLabels {
		where = append(where, `json_array_length(COALESCE(NULLIF(labels, ''), '[]')) = 0`)
	}
	if filter.OnlyWithoutSummary {
		where = append(where, `(summary IS NULL OR summary = '')`)
	}
	if len(filter.Sources) > 0 {
		where = append(where, `source IN (?`+strings.Repeat(", ?", len(filter.Sources)-1)+`)`)
		for _, src := range filter.Sources {
			args = append(args, src)
		}
	}
	if filter.DaysOld > 0 {
		where = append(where, `published_at >= ?`)
		args = append(args, formatTime(s.now().AddDate(0, 0, -filter.DaysOld)))
	}
	query := `SELECT id FROM articles`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY published_at DESC LIMIT ?`
	args = append(args, filter.Cap())

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("resolve article ids: %w", err)
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan article id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}
