// Package knowledge is the context-lookup store consulted by the planner step.
// Reference examples live in a SQLite FTS5 table and are ranked with bm25.
package knowledge

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"unicode"

	"codeforge/pkg/logx"
)

// DefaultTopK is the number of examples returned when k <= 0.
const DefaultTopK = 3

// Example is one reference example.
type Example struct {
	ID       string
	Category string
	Text     string
}

// Result is one ranked lookup hit. Higher relevance is better.
type Result struct {
	Text      string
	Category  string
	Relevance float64
}

// Lookup finds reference examples for a request. An empty result is a valid
// "no context" answer.
type Lookup interface {
	Lookup(ctx context.Context, query string, k int) ([]Result, error)
}

// Store implements Lookup over a shared SQLite connection.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// NewStore creates the FTS table on db if needed.
func NewStore(ctx context.Context, db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}
	_, err := db.ExecContext(ctx,
		`CREATE VIRTUAL TABLE IF NOT EXISTS knowledge_fts USING fts5(id UNINDEXED, category UNINDEXED, text)`)
	if err != nil {
		return nil, fmt.Errorf("failed to create knowledge index: %w", err)
	}
	return &Store{db: db, logger: logx.NewLogger("knowledge")}, nil
}

// Add indexes examples, skipping ids already present.
func (s *Store) Add(ctx context.Context, examples ...Example) (int, error) {
	added := 0
	for _, e := range examples {
		var n int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM knowledge_fts WHERE id = ?`, e.ID).Scan(&n); err != nil {
			return added, fmt.Errorf("failed to check example %s: %w", e.ID, err)
		}
		if n > 0 {
			continue
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO knowledge_fts (id, category, text) VALUES (?, ?, ?)`, e.ID, e.Category, e.Text); err != nil {
			return added, fmt.Errorf("failed to index example %s: %w", e.ID, err)
		}
		added++
	}
	return added, nil
}

// Seed indexes the built-in examples.
func (s *Store) Seed(ctx context.Context) error {
	n, err := s.Add(ctx, SeedExamples()...)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("seeded %d reference examples", n)
	}
	return nil
}

// Count returns the number of indexed examples.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM knowledge_fts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count examples: %w", err)
	}
	return n, nil
}

// Lookup returns up to k examples matching any term of query, best first.
func (s *Store) Lookup(ctx context.Context, query string, k int) ([]Result, error) {
	if k <= 0 {
		k = DefaultTopK
	}
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT text, category, bm25(knowledge_fts) AS score
		 FROM knowledge_fts
		 WHERE knowledge_fts MATCH ?
		 ORDER BY score
		 LIMIT ?`, match, k)
	if err != nil {
		return nil, fmt.Errorf("FTS query failed: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	var results []Result
	for rows.Next() {
		var r Result
		var score float64
		if err := rows.Scan(&r.Text, &r.Category, &score); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		r.Relevance = -score
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return results, nil
}

// ftsQuery turns free text into an OR of quoted terms, dropping FTS syntax.
func ftsQuery(text string) string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(words))
	terms := make([]string, 0, len(words))
	for _, w := range words {
		if len(w) < 2 || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, `"`+w+`"`)
	}
	return strings.Join(terms, " OR ")
}

// NoContext is rendered when a lookup returns nothing.
const NoContext = "No reference examples available."

// Format renders results as a markdown list for the planner prompt.
func Format(results []Result) string {
	if len(results) == 0 {
		return NoContext
	}
	lines := make([]string, 0, len(results))
	for _, r := range results {
		category := r.Category
		if category == "" {
			category = "general"
		}
		lines = append(lines, fmt.Sprintf("- **[%s]** %s", category, r.Text))
	}
	return strings.Join(lines, "\n")
}
