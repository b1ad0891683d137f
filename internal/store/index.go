package store

import (
	"slices"
	"time"

	"github.com/splax/buildboard/internal/domain"
)

// Position is a point in the listing order of runs. A page starts strictly
// after it.
type Position struct {
	UpdatedAt time.Time
	RunID     string
	Attempt   int
}

// PositionOf returns the listing position of run.
func PositionOf(run domain.BuildRun) Position {
	return Position{UpdatedAt: run.LastUpdatedAt, RunID: run.ProviderRunID, Attempt: run.Attempt}
}

func (p Position) key() domain.RunKey {
	return domain.RunKey{ProviderRunID: p.RunID, Attempt: p.Attempt}
}

func comparePositions(a, b Position) int {
	if c := a.UpdatedAt.Compare(b.UpdatedAt); c != 0 {
		return c
	}
	if a.RunID != b.RunID {
		if a.RunID < b.RunID {
			return -1
		}
		return 1
	}
	return a.Attempt - b.Attempt
}

// recency keeps every run position in ascending listing order.
type recency struct {
	positions []Position
}

func (r *recency) reset(runs []domain.BuildRun) {
	r.positions = make([]Position, 0, len(runs))
	for _, run := range runs {
		r.positions = append(r.positions, PositionOf(run))
	}
	slices.SortFunc(r.positions, comparePositions)
}

func (r *recency) insert(p Position) {
	i, found := slices.BinarySearchFunc(r.positions, p, comparePositions)
	if found {
		return
	}
	r.positions = slices.Insert(r.positions, i, p)
}

func (r *recency) remove(p Position) {
	i, found := slices.BinarySearchFunc(r.positions, p, comparePositions)
	if !found {
		return
	}
	r.positions = slices.Delete(r.positions, i, i+1)
}

// move replaces old with next unless they are the same position.
func (r *recency) move(old, next Position) {
	if comparePositions(old, next) == 0 {
		return
	}
	r.remove(old)
	r.insert(next)
}

// before returns the index one past the newest position strictly older than p.
func (r *recency) before(p Position) int {
	i, _ := slices.BinarySearchFunc(r.positions, p, comparePositions)
	return i
}
