// Package diff computes the changed regions between an original generated
// artifact and the user's corrected version, using the sergi/go-diff engine
// with a line-level reduction. A region pairs the removed lines with the
// added lines that replaced them, which is the unit the correction extractor
// reasons over.
package diff

import (
	"strings"
	"sync"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Region is one contiguous change: the lines that were removed from the
// original and the lines that were added in their place. Pure insertions
// have no removed lines; pure deletions have no added lines.
type Region struct {
	Removed []string
	Added   []string
}

// RemovedText joins the removed lines back into a block.
func (r *Region) RemovedText() string { return strings.Join(r.Removed, "\n") }

// AddedText joins the added lines back into a block.
func (r *Region) AddedText() string { return strings.Join(r.Added, "\n") }

// IsReplacement reports whether the region both removes and adds lines.
func (r *Region) IsReplacement() bool { return len(r.Removed) > 0 && len(r.Added) > 0 }

// Engine computes changed regions, caching results for identical input pairs
// since the same correction event is often diffed more than once.
type Engine struct {
	dmp   *diffmatchpatch.DiffMatchPatch
	cache sync.Map
}

type cacheKey struct {
	oldHash uint64
	newHash uint64
}

// NewEngine creates a diff engine tuned for code artifacts.
func NewEngine() *Engine {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0 // favor accuracy over latency
	return &Engine{dmp: dmp}
}

// DefaultEngine is a shared engine for general use.
var DefaultEngine = NewEngine()

// Regions returns the changed regions between two artifacts. Identical
// inputs return nil.
func (e *Engine) Regions(original, corrected string) []Region {
	if original == corrected {
		return nil
	}

	key := cacheKey{hash(original), hash(corrected)}
	if cached, ok := e.cache.Load(key); ok {
		if regions, ok := cached.([]Region); ok {
			return regions
		}
	}

	// Line-level reduction avoids newline boundary artifacts when mapping
	// character diffs back onto lines.
	a, b, lineArray := e.dmp.DiffLinesToChars(original, corrected)
	diffs := e.dmp.DiffMain(a, b, false)
	diffs = e.dmp.DiffCleanupSemantic(diffs)
	diffs = e.dmp.DiffCharsToLines(diffs, lineArray)

	regions := groupRegions(diffs)
	e.cache.Store(key, regions)
	return regions
}

// Regions is a convenience function using the default engine.
func Regions(original, corrected string) []Region {
	return DefaultEngine.Regions(original, corrected)
}

// ClearCache drops all cached results.
func (e *Engine) ClearCache() {
	e.cache = sync.Map{}
}

// groupRegions walks the diff ops and folds adjacent delete/insert runs into
// regions, closing a region at each run of equal lines.
func groupRegions(diffs []diffmatchpatch.Diff) []Region {
	var regions []Region
	var current Region

	flush := func() {
		if len(current.Removed) > 0 || len(current.Added) > 0 {
			regions = append(regions, current)
			current = Region{}
		}
	}

	for _, d := range diffs {
		lines := splitLines(d.Text)
		if len(lines) == 0 {
			continue
		}
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			flush()
		case diffmatchpatch.DiffDelete:
			current.Removed = append(current.Removed, lines...)
		case diffmatchpatch.DiffInsert:
			current.Added = append(current.Added, lines...)
		}
	}
	flush()
	return regions
}

// splitLines splits diff text into lines, dropping the trailing empty
// fragment a terminal newline produces.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// hash is FNV-1a, enough for cache keying.
func hash(s string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}
