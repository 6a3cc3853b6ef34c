package tokendb

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/mattstrayer/bulkpush/internal/tokenfile"
)

// ErrBadCondition is returned for a condition key that is not "field" or
// "field op".
var ErrBadCondition = errors.New("bad query condition")

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var operators = map[string]bool{
	"=": true, "!=": true, "<>": true,
	"<": true, "<=": true, ">": true, ">=": true,
	"LIKE": true,
}

// Query selects the tokens of one push campaign. Tokens already marked
// invalid are always excluded.
type Query struct {
	// Packages restricts tokens to these app packages when not empty.
	Packages []string
	// Conditions filter on extra columns. A key is a column name, optionally
	// followed by a space and an operator ("age >="); the default is "=".
	Conditions map[string]any
}

// where renders the WHERE clause and its arguments. next numbers the
// placeholders.
func (q Query) where(next func() string) (string, []any, error) {
	clauses := []string{"is_invalid = 0"}
	var args []any

	if len(q.Packages) > 0 {
		marks := make([]string, len(q.Packages))
		for i, p := range q.Packages {
			marks[i] = next()
			args = append(args, p)
		}
		clauses = append(clauses, fmt.Sprintf("package IN (%s)", strings.Join(marks, ", ")))
	}

	keys := make([]string, 0, len(q.Conditions))
	for k := range q.Conditions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		field, op := key, "="
		if i := strings.IndexByte(key, ' '); i >= 0 {
			field, op = key[:i], strings.ToUpper(strings.TrimSpace(key[i+1:]))
		}
		if !identifier.MatchString(field) || !operators[op] {
			return "", nil, fmt.Errorf("%w: %q", ErrBadCondition, key)
		}
		clauses = append(clauses, fmt.Sprintf("%s %s %s", field, op, next()))
		args = append(args, q.Conditions[key])
	}
	return strings.Join(clauses, " AND "), args, nil
}

// Export writes the distinct pushable tokens of every bucket into the shard
// files of base and saves the manifest at base.
func (s *Store) Export(ctx context.Context, q Query, base string) (tokenfile.Manifest, error) {
	manifest := tokenfile.Manifest{}
	for i := 0; i < tokenfile.ShardCount; i++ {
		path := tokenfile.ShardPath(base, i)
		n, err := s.exportBucket(ctx, q, i, path)
		if err != nil {
			return nil, fmt.Errorf("export bucket %x: %w", i, err)
		}
		manifest[path] = n
		s.log.Debug("Shard exported", "shard", path, "tokens", n)
	}
	if err := manifest.Save(base); err != nil {
		return nil, err
	}
	s.log.Info("Tokens exported", "manifest", base, "total", manifest.Total())
	return manifest, nil
}

func (s *Store) exportBucket(ctx context.Context, q Query, bucket int, path string) (int, error) {
	n := 0
	where, args, err := q.where(func() string {
		n++
		return s.placeholder(n)
	})
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf("SELECT DISTINCT token FROM %s WHERE %s ORDER BY token", bucketTable(bucket), where)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	w, err := tokenfile.Create(path)
	if err != nil {
		return 0, err
	}
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			w.Close()
			return 0, err
		}
		if err := w.Write(token); err != nil {
			w.Close()
			return 0, err
		}
	}
	if err := rows.Err(); err != nil {
		w.Close()
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, err
	}
	return w.Count(), nil
}
