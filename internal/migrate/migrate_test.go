package migrate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"testing/fstest"
)

// scriptStore records Exec calls and simulates the applied-version check
// by tracking inserts into schema_migrations.
type scriptStore struct {
	sql     []string
	applied map[string]bool
	failOn  string
}

func newScriptStore() *scriptStore {
	return &scriptStore{applied: make(map[string]bool)}
}

func (s *scriptStore) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	s.sql = append(s.sql, sql)
	if s.failOn != "" && strings.Contains(sql, s.failOn) {
		return 0, errors.New("statement rejected")
	}
	if strings.HasPrefix(sql, "UPDATE schema_migrations") {
		if s.applied[args[0].(string)] {
			return 1, nil
		}
		return 0, nil
	}
	if strings.HasPrefix(sql, "INSERT INTO schema_migrations") {
		s.applied[args[0].(string)] = true
	}
	return 0, nil
}

func (s *scriptStore) InsertRows(ctx context.Context, table string, cols []string, rows [][]any) (int64, error) {
	return 0, nil
}

func (s *scriptStore) DeleteByKey(ctx context.Context, table string, keyCols []string, keys [][]any) (int64, error) {
	return 0, nil
}

func (s *scriptStore) Ping(ctx context.Context) error { return nil }
func (s *scriptStore) Close()                         {}

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"0002_b.sql":  {Data: []byte("CREATE TABLE b (id TEXT);")},
		"0001_a.sql":  {Data: []byte("CREATE TABLE a (id TEXT);\nCREATE INDEX idx_a ON a (id);")},
		"notes.md":    {Data: []byte("not a migration")},
		"0003_c.sql":  {Data: []byte("CREATE TABLE c (id TEXT)")},
	}
}

func TestApplyRunsInLexicalOrder(t *testing.T) {
	st := newScriptStore()
	n, err := Apply(context.Background(), st, testMigrations())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if n != 3 {
		t.Fatalf("applied = %d, want 3", n)
	}

	var ddl []string
	for _, q := range st.sql {
		if strings.Contains(q, "schema_migrations") {
			continue
		}
		if strings.HasPrefix(q, "CREATE TABLE ") || strings.HasPrefix(q, "CREATE INDEX ") {
			ddl = append(ddl, q)
		}
	}
	want := []string{
		"CREATE TABLE a (id TEXT)",
		"CREATE INDEX idx_a ON a (id)",
		"CREATE TABLE b (id TEXT)",
		"CREATE TABLE c (id TEXT)",
	}
	if len(ddl) != len(want) {
		t.Fatalf("ddl = %v, want %v", ddl, want)
	}
	for i := range want {
		if ddl[i] != want[i] {
			t.Errorf("ddl[%d] = %q, want %q", i, ddl[i], want[i])
		}
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	st := newScriptStore()
	if _, err := Apply(context.Background(), st, testMigrations()); err != nil {
		t.Fatal(err)
	}
	n, err := Apply(context.Background(), st, testMigrations())
	if err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if n != 0 {
		t.Errorf("second apply ran %d migrations, want 0", n)
	}
}

func TestApplyStopsOnFailure(t *testing.T) {
	st := newScriptStore()
	st.failOn = "CREATE TABLE b"

	n, err := Apply(context.Background(), st, testMigrations())
	if err == nil {
		t.Fatal("expected failure")
	}
	if n != 1 {
		t.Errorf("applied = %d, want 1 (a applied, b failed, c never reached)", n)
	}
	if st.applied["0002_b"] || st.applied["0003_c"] {
		t.Error("failed and unreached migrations must not be recorded")
	}
}
