// Package sequence issues prefix-tagged, monotonically increasing identifiers
// such as MAPEX-0007 or NEST-0142 from a persisted counter.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Counter atomically increments the named counter and returns the new value.
// Atomicity comes from the backing store, not from this process.
type Counter interface {
	Increment(ctx context.Context, name string) (int64, error)
}

type Generator struct {
	counter Counter
	width   int
}

func NewGenerator(counter Counter) *Generator {
	return &Generator{counter: counter, width: 4}
}

// Next returns PREFIX-NNNN. Values wider than four digits are rendered in full.
func (g *Generator) Next(ctx context.Context, prefix string) (string, error) {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		return "", errors.New("sequence prefix is required")
	}
	n, err := g.counter.Increment(ctx, prefix)
	if err != nil {
		return "", fmt.Errorf("increment sequence %s: %w", prefix, err)
	}
	if n <= 0 {
		return "", fmt.Errorf("sequence %s returned non-positive value %d", prefix, n)
	}
	return fmt.Sprintf("%s-%0*d", prefix, g.width, n), nil
}
