// Package quota limits how many artifact files may exist at once.
package quota

import (
	"context"
	"fmt"

	"github.com/yangwenmai/readaloud/internal/model"
)

// DefaultLimit is the number of stored artifacts allowed when none is configured.
const DefaultLimit = 2

// FileCounter counts stored files below a prefix.
type FileCounter interface {
	Count(ctx context.Context, prefix string) (int, error)
}

// Guard admits new artifacts while fewer than Limit are stored or generating.
// Only materialized files are counted, so failed generations never hold a slot.
type Guard struct {
	files  FileCounter
	prefix string
	limit  int
}

// NewGuard creates a guard over the files stored below prefix.
func NewGuard(files FileCounter, prefix string, limit int) *Guard {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Guard{files: files, prefix: prefix, limit: limit}
}

// Limit returns the configured admission limit.
func (g *Guard) Limit() int { return g.limit }

// CountActive returns the number of completed artifact files in storage.
func (g *Guard) CountActive(ctx context.Context) (int, error) {
	n, err := g.files.Count(ctx, g.prefix)
	if err != nil {
		return 0, fmt.Errorf("count artifacts: %w", err)
	}
	return n, nil
}

// Admit returns model.ErrQuotaExceeded when stored files plus inFlight
// generations already reach the limit.
func (g *Guard) Admit(ctx context.Context, inFlight int) error {
	active, err := g.CountActive(ctx)
	if err != nil {
		return err
	}
	if active+inFlight >= g.limit {
		return fmt.Errorf("%w (%d of %d used)", model.ErrQuotaExceeded, active+inFlight, g.limit)
	}
	return nil
}
