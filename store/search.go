package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Search finds packages whose name contains the query, case-insensitively.
// Each hit reports its highest non-yanked published version; a package
// with every version yanked falls back to its highest yanked one. total
// is the full match count before the limit is applied.
func (r *Registry) Search(ctx context.Context, query string, limit int) ([]SearchResult, int, error) {
	if limit <= 0 {
		limit = 10
	}
	pattern := "%" + escapeLike(query) + "%"
	rows, err := r.db.QueryContext(ctx, `
		SELECT p.name, v.version, v.description, v.yanked
		FROM versions v JOIN packages p ON p.id = v.package_id
		WHERE v.status = 'published' AND p.name LIKE ? ESCAPE '\'
		ORDER BY p.name, v.id`, pattern)
	if err != nil {
		return nil, 0, fmt.Errorf("search packages: %w", err)
	}
	defer rows.Close()

	type candidate struct {
		version     *semver.Version
		description string
		yanked      bool
	}
	best := make(map[string]candidate)
	var names []string
	for rows.Next() {
		var (
			name, vers, desc string
			yankedInt        int
		)
		if err := rows.Scan(&name, &vers, &desc, &yankedInt); err != nil {
			return nil, 0, fmt.Errorf("scan search row: %w", err)
		}
		sv, err := semver.NewVersion(vers)
		if err != nil {
			continue
		}
		c := candidate{version: sv, description: desc, yanked: yankedInt != 0}
		cur, seen := best[name]
		if !seen {
			best[name] = c
			names = append(names, name)
			continue
		}
		// A non-yanked version always beats a yanked one.
		if cur.yanked != c.yanked {
			if cur.yanked {
				best[name] = c
			}
			continue
		}
		if c.version.GreaterThan(cur.version) {
			best[name] = c
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	sort.Strings(names)
	total := len(names)
	if len(names) > limit {
		names = names[:limit]
	}
	results := make([]SearchResult, 0, len(names))
	for _, name := range names {
		c := best[name]
		results = append(results, SearchResult{
			Name:        name,
			MaxVersion:  c.version.String(),
			Description: c.description,
		})
	}
	return results, total, nil
}

// escapeLike escapes LIKE metacharacters in user-provided queries.
func escapeLike(s string) string {
	repl := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return repl.Replace(s)
}
