package repo

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/sphaerophoria/spit/pkg/object"
)

// SortOrder selects which timestamp orders the history walk.
type SortOrder int

const (
	SortCommitterTimestamp SortOrder = iota
	SortAuthorTimestamp
)

// History walks every commit reachable from heads and returns them
// newest-first. The order is a timestamp-keyed topological sort: a commit
// always appears before all of its ancestors, and among commits whose
// descendants have all been emitted the one with the most recent timestamp
// goes next. This keeps interleaved branches in wall-clock order without
// ever splitting a commit from its lineage.
func (r *Repo) History(ctx context.Context, heads []object.ObjectId, order SortOrder) ([]object.CommitMetadata, error) {
	start := time.Now()

	nodes, children, err := r.buildReverseDAG(ctx, heads)
	if err != nil {
		return nil, err
	}
	loaded := time.Since(start)

	out, err := r.sortedMetadata(nodes, children, order)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("history walk",
		"commits", len(out),
		"load", loaded,
		"total", time.Since(start))
	return out, nil
}

// buildReverseDAG loads every ancestor of heads into the arena and records,
// per arena index, which reachable commits list it as a parent.
func (r *Repo) buildReverseDAG(ctx context.Context, heads []object.ObjectId) ([]int, map[int][]int, error) {
	children := map[int][]int{}
	seen := map[int]bool{}
	var nodes, stack []int

	push := func(idx int) {
		if !seen[idx] {
			seen[idx] = true
			nodes = append(nodes, idx)
			stack = append(stack, idx)
		}
	}

	for _, h := range heads {
		idx, err := r.metadataIndex(ctx, h)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve head: %w", err)
		}
		push(idx)
	}

	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for _, pid := range r.storage[idx].Parents {
			pidx, err := r.metadataIndex(ctx, pid)
			if err != nil {
				return nil, nil, fmt.Errorf("resolve parent of %s: %w", r.storage[idx].ID, err)
			}
			children[pidx] = append(children[pidx], idx)
			push(pidx)
		}
	}
	return nodes, children, nil
}

// sortedMetadata runs the timestamp-keyed Kahn pass over the reverse DAG.
// A node becomes eligible once all of its children are emitted; heads start
// eligible. Eligible nodes are kept sorted by timestamp ascending and the
// most recent is emitted next.
func (r *Repo) sortedMetadata(nodes []int, children map[int][]int, order SortOrder) ([]object.CommitMetadata, error) {
	key := func(idx int) time.Time {
		if order == SortAuthorTimestamp {
			return r.storage[idx].AuthorTimestamp
		}
		return r.storage[idx].CommitterTimestamp
	}

	remainingChildren := make(map[int]int, len(nodes))
	for pidx, cs := range children {
		remainingChildren[pidx] = len(cs)
	}

	var eligible []int
	insert := func(idx int) {
		ts := key(idx)
		// Insert after equal timestamps so earlier-discovered commits
		// surface first among ties.
		i := sort.Search(len(eligible), func(i int) bool {
			return key(eligible[i]).After(ts)
		})
		eligible = slices.Insert(eligible, i, idx)
	}

	for _, idx := range nodes {
		if remainingChildren[idx] == 0 {
			insert(idx)
		}
	}

	out := make([]object.CommitMetadata, 0, len(nodes))
	for len(eligible) > 0 {
		idx := eligible[len(eligible)-1]
		eligible = eligible[:len(eligible)-1]
		out = append(out, r.storage[idx])

		for _, pid := range r.storage[idx].Parents {
			pidx := r.lookup[pid]
			remainingChildren[pidx]--
			if remainingChildren[pidx] == 0 {
				insert(pidx)
			}
		}
	}

	if len(out) != len(nodes) {
		return nil, fmt.Errorf("commit graph contains a cycle: %w", object.ErrMalformedObject)
	}
	return out, nil
}
