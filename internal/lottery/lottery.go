// Package lottery draws voucher winners from an attendance table.
package lottery

import (
	"errors"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-webinar/attendance/internal/attendance"
)

// ErrInvalidCount is returned when fewer than one winner is requested.
var ErrInvalidCount = errors.New("number of winners must be at least 1")

// Source yields uniform integers in [0, n).
type Source interface {
	IntN(n int) int
}

// Draw is the outcome of one voucher draw.
type Draw struct {
	Winners   []string `json:"winners"`
	Requested int      `json:"requested"`
	PoolSize  int      `json:"pool_size"`
	Short     bool     `json:"short"`
}

// Drawer picks winners. It is safe for concurrent use.
type Drawer struct {
	mu     sync.Mutex
	src    Source
	logger *zap.Logger
}

// NewDrawer creates a drawer over src. A nil src uses a PCG generator seeded
// from the clock.
func NewDrawer(src Source, logger *zap.Logger) *Drawer {
	if src == nil {
		seed := uint64(time.Now().UnixNano())
		src = rand.New(rand.NewPCG(seed, seed>>1|1))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Drawer{src: src, logger: logger}
}

// Draw picks n winners from candidates after removing exclude. Without
// duplicates a winner leaves the pool and the draw stops once the pool is
// empty; asking for more winners than the pool holds is allowed, logged and
// flagged on the result. With duplicates every pick is independent.
func (d *Drawer) Draw(candidates []string, n int, allowDuplicates bool, exclude []string) (Draw, error) {
	if n < 1 {
		return Draw{}, ErrInvalidCount
	}
	pool := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if !slices.Contains(exclude, c) {
			pool = append(pool, c)
		}
	}

	draw := Draw{Winners: make([]string, 0, n), Requested: n, PoolSize: len(pool)}
	if len(pool) == 0 || (!allowDuplicates && n > len(pool)) {
		draw.Short = true
		d.logger.Warn("not enough attendees for the requested number of winners",
			zap.Int("requested", n),
			zap.Int("pool", len(pool)),
		)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger.Info("giving away vouchers", zap.Int("requested", n), zap.Bool("allow_duplicates", allowDuplicates))
	for i := 0; i < n && len(pool) > 0; i++ {
		k := d.src.IntN(len(pool))
		draw.Winners = append(draw.Winners, pool[k])
		if !allowDuplicates {
			pool = slices.Delete(pool, k, k+1)
		}
	}
	return draw, nil
}

// Candidates returns the distinct users of table, sorted when sorted is set.
func Candidates(table attendance.Table, sorted bool) []string {
	users := table.Users()
	if sorted {
		slices.Sort(users)
	}
	return users
}

// DefaultExclusions returns the configured drop-users that appear among
// candidates. Configured names are normalized the way records are: trimmed,
// uppercased and, when format is set, turned from "Last, First" into "First Last".
func DefaultExclusions(configured, candidates []string, format bool) []string {
	out := make([]string, 0, len(configured))
	for _, name := range configured {
		name = strings.ToUpper(strings.TrimSpace(name))
		if format {
			name = attendance.FormatUserName(name)
		}
		if name != "" && slices.Contains(candidates, name) && !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}
