package knowledge

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeforge/pkg/persistence"
)

func seededStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "kb.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewStore(ctx, db.DB())
	require.NoError(t, err)
	require.NoError(t, s.Seed(ctx))
	return s
}

func TestSeedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := seededStore(t)
	require.NoError(t, s.Seed(ctx))
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestLookupRanksRelevantExample(t *testing.T) {
	results, err := seededStore(t).Lookup(context.Background(), "build a todo app with tasks", 3)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "productivity", results[0].Category)
	assert.Contains(t, results[0].Text, "Todo App Pattern")
	assert.Greater(t, results[0].Relevance, 0.0)
}

func TestLookupNoMatchIsEmpty(t *testing.T) {
	s := seededStore(t)
	results, err := s.Lookup(context.Background(), "zzzz qqqq", 3)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = s.Lookup(context.Background(), "  ?! ", 3)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, NoContext, Format(nil))
	assert.Equal(t, "- **[auth]** login\n- **[general]** misc", Format([]Result{
		{Text: "login", Category: "auth"},
		{Text: "misc"},
	}))
}

func TestFTSQueryDropsSyntax(t *testing.T) {
	assert.Equal(t, `"todo" OR "app"`, ftsQuery(`todo "app" todo a`))
	assert.Equal(t, "", ftsQuery("* - :"))
}
