package sequence

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"bitbucket.org/mmdatafocus/nesting_backend/models"
	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type fakeCounter struct {
	mu     sync.Mutex
	values map[string]int64
	err    error
}

func (c *fakeCounter) Increment(_ context.Context, name string) (int64, error) {
	if c.err != nil {
		return 0, c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		c.values = map[string]int64{}
	}
	c.values[name]++
	return c.values[name], nil
}

func TestGenerator_Next_FormatsAndIncrements(t *testing.T) {
	g := NewGenerator(&fakeCounter{})
	ctx := context.Background()

	cases := []struct {
		prefix string
		want   string
	}{
		{"MAPEX", "MAPEX-0001"},
		{"mapex", "MAPEX-0002"},
		{" NEST ", "NEST-0001"},
		{"MAPEX", "MAPEX-0003"},
	}
	for _, tc := range cases {
		got, err := g.Next(ctx, tc.prefix)
		if err != nil {
			t.Fatalf("Next(%q): %v", tc.prefix, err)
		}
		if got != tc.want {
			t.Fatalf("Next(%q) = %q, want %q", tc.prefix, got, tc.want)
		}
	}
}

func TestGenerator_Next_GrowsBeyondPadding(t *testing.T) {
	c := &fakeCounter{values: map[string]int64{"MH": 9999}}
	got, err := NewGenerator(c).Next(context.Background(), "MH")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got != "MH-10000" {
		t.Fatalf("got %q, want MH-10000", got)
	}
}

func TestGenerator_Next_Errors(t *testing.T) {
	if _, err := NewGenerator(&fakeCounter{}).Next(context.Background(), "  "); err == nil {
		t.Fatalf("expected error for empty prefix")
	}
	boom := errors.New("row lock timeout")
	_, err := NewGenerator(&fakeCounter{err: boom}).Next(context.Background(), "EXC")
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped counter error, got %v", err)
	}
}

func setupCounterDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "sequence.sqlite")
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := models.MigrateTable(db); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func TestDBCounter_IncrementIsMonotonicPerPrefix(t *testing.T) {
	db := setupCounterDB(t)
	c := NewDBCounter(db)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := c.Increment(ctx, "MAPEX")
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
	}
	got, err := c.Increment(ctx, "NEST")
	if err != nil {
		t.Fatalf("increment NEST: %v", err)
	}
	if got != 1 {
		t.Fatalf("NEST should start at 1, got %d", got)
	}

	cur, err := c.Current(ctx, "MAPEX")
	if err != nil || cur != 3 {
		t.Fatalf("Current(MAPEX) = %d, %v; want 3", cur, err)
	}
	cur, err = c.Current(ctx, "UNUSED")
	if err != nil || cur != 0 {
		t.Fatalf("Current(UNUSED) = %d, %v; want 0", cur, err)
	}
}

func TestDBCounter_WithGenerator(t *testing.T) {
	g := NewGenerator(NewDBCounter(setupCounterDB(t)))
	ctx := context.Background()
	first, _ := g.Next(ctx, "EXC")
	second, err := g.Next(ctx, "EXC")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if first != "EXC-0001" || second != "EXC-0002" {
		t.Fatalf("got %q, %q", first, second)
	}
}

func TestDBCounter_AdvanceNeverLowers(t *testing.T) {
	c := NewDBCounter(setupCounterDB(t))
	ctx := context.Background()

	steps := []struct {
		value int64
		want  int64
	}{
		{value: 7, want: 7},
		{value: 9, want: 9},
		{value: 8, want: 9},
		{value: 9, want: 9},
	}
	for _, s := range steps {
		if err := c.Advance(ctx, "MAPEX", s.value); err != nil {
			t.Fatalf("advance %d: %v", s.value, err)
		}
		cur, err := c.Current(ctx, "MAPEX")
		if err != nil || cur != s.want {
			t.Fatalf("after advance %d: Current = %d, %v; want %d", s.value, cur, err, s.want)
		}
	}
}

// Values handed out by Redis are written through with Advance; when the DB counter
// takes over it must continue after them.
func TestDBCounter_ContinuesAfterAdvancedValues(t *testing.T) {
	c := NewDBCounter(setupCounterDB(t))
	ctx := context.Background()

	for v := int64(1); v <= 12; v++ {
		if err := c.Advance(ctx, "EXC", v); err != nil {
			t.Fatalf("advance %d: %v", v, err)
		}
	}
	id, err := NewGenerator(c).Next(ctx, "EXC")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if id != "EXC-0013" {
		t.Fatalf("got %q, want EXC-0013", id)
	}
}
