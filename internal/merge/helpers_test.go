package merge

import (
	"path/filepath"
	"testing"

	"github.com/lherron/jwlmerge/internal/db"
	"github.com/lherron/jwlmerge/internal/testutil"
	"github.com/stretchr/testify/require"
)

// fixture holds two writable sources and, once opened, a session merging
// them into a scratch database.
type fixture struct {
	t   *testing.T
	dir string
	A   *testutil.UserData
	B   *testutil.UserData
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	return &fixture{
		t:   t,
		dir: dir,
		A:   testutil.NewUserData(t, dir, "a.db"),
		B:   testutil.NewUserData(t, dir, "b.db"),
	}
}

// session opens the sources read-only and bootstraps a merged database.
func (f *fixture) session(choices *Choices) *Session {
	f.t.Helper()
	a, err := db.OpenReadOnly(f.A.Path)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { a.Close() })
	b, err := db.OpenReadOnly(f.B.Path)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { b.Close() })

	merged, err := db.Open(filepath.Join(f.dir, "merged.db"))
	require.NoError(f.t, err)
	f.t.Cleanup(func() { merged.Close() })

	s := NewSession(merged, a, b, choices, nil)
	require.NoError(f.t, Bootstrap(s))
	return s
}

func runAll(t *testing.T, s *Session, stages ...func(*Session) error) {
	t.Helper()
	for _, stage := range stages {
		require.NoError(t, stage(s))
	}
}

func mustChoices(t *testing.T, payload string) *Choices {
	t.Helper()
	c, err := ParseChoices([]byte(payload))
	require.NoError(t, err)
	return c
}

func count(t *testing.T, s *Session, table, where string, args ...any) int {
	t.Helper()
	n, err := db.Count(s.Merged, table, where, args...)
	require.NoError(t, err)
	return n
}
