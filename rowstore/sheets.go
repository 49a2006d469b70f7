package rowstore

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"unicode"
)

// SheetLister is the part of the provider API the directory needs.
type SheetLister interface {
	ListSheets(ctx context.Context) ([]Sheet, error)
}

// SheetDirectory resolves logical sheet names to numeric ids.
// SHEET_ID_<NAME> env vars win (e.g. SHEET_ID_02_TAG_REGISTRY); otherwise the sheet list is
// fetched once and matched by name. Ids never change on rename, so a resolved id stays valid
// for the process lifetime.
type SheetDirectory struct {
	lister SheetLister

	mu     sync.Mutex
	byName map[string]int64
	loaded bool
}

func NewSheetDirectory(lister SheetLister) *SheetDirectory {
	return &SheetDirectory{lister: lister, byName: map[string]int64{}}
}

func (d *SheetDirectory) ResolveSheetId(ctx context.Context, logical string) (int64, error) {
	if id, ok := sheetIdFromEnv(logical); ok {
		return id, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	key := strings.ToLower(strings.TrimSpace(logical))
	if id, ok := d.byName[key]; ok {
		return id, nil
	}
	if !d.loaded {
		if d.lister == nil {
			return 0, fmt.Errorf("sheet %s: %w", logical, ErrNotFound)
		}
		sheets, err := d.lister.ListSheets(ctx)
		if err != nil {
			return 0, err
		}
		for _, s := range sheets {
			d.byName[strings.ToLower(strings.TrimSpace(s.Name))] = s.Id
		}
		d.loaded = true
	}
	if id, ok := d.byName[key]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("sheet %s: %w", logical, ErrNotFound)
}

// Refresh forgets the cached sheet list; the next resolve lists sheets again.
func (d *SheetDirectory) Refresh() {
	d.mu.Lock()
	d.byName = map[string]int64{}
	d.loaded = false
	d.mu.Unlock()
}

func SheetEnvKey(logical string) string {
	var b strings.Builder
	b.WriteString("SHEET_ID_")
	for _, r := range strings.TrimSpace(logical) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func sheetIdFromEnv(logical string) (int64, bool) {
	v := strings.TrimSpace(os.Getenv(SheetEnvKey(logical)))
	if v == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
