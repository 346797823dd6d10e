// Package graph lays out commit history on a 2-D grid: one row per commit,
// one column per concurrently live branch. It consumes commits newest-first
// (children before parents) and produces node positions plus the edges
// connecting them, compacting columns leftward as branches terminate.
package graph

import (
	"context"

	"github.com/sphaerophoria/spit/pkg/object"
	"github.com/sphaerophoria/spit/pkg/repo"
)

type Point struct {
	X, Y int
}

type Edge struct {
	A, B Point
}

// Node places one commit on the grid. Y is the commit's position in the
// input order; X is the lane its branch occupied at that row.
type Node struct {
	Position Point
	ID       object.ObjectId
}

type HistoryGraph struct {
	Nodes []Node
	Edges []Edge
}

// tail is an open lane: a commit we have drawn an edge toward but not yet
// placed. edgeStartY is where the lane's pending vertical segment begins.
type tail struct {
	id         object.ObjectId
	edgeStartY int
}

// Builder accumulates the layout one commit at a time. The zero value is
// ready to use. Commits must arrive newest-first; feeding a parent before
// one of its children produces crossed lanes.
type Builder struct {
	nodes []Node
	edges []Edge
	tails []tail
}

// ProcessCommit places one commit. The commit lands in the lane already
// reserved for it, or in a fresh rightmost lane if nothing pointed at it
// yet. Its first unseen parent inherits the lane; further unseen parents
// open new lanes. A commit whose parents all live in other lanes closes its
// lane, and everything to the right shifts one column left.
func (b *Builder) ProcessCommit(commit object.CommitMetadata) {
	y := len(b.nodes)
	xIdx := b.ensureTail(commit.ID, y)
	b.nodes = append(b.nodes, Node{Position: Point{X: xIdx, Y: y}, ID: commit.ID})

	removed, laneClosed := b.replaceTailWithParents(commit.Parents, xIdx, y)
	if laneClosed {
		removedAboveParent := false
		if removed.edgeStartY != y {
			// The lane has an undrawn segment. If a parent's lane is about
			// to shift into this column, merge the segment into it instead
			// of drawing a separate stub.
			if xIdx < len(b.tails) && containsId(commit.Parents, b.tails[xIdx].id) {
				removedAboveParent = true
			} else {
				b.edges = append(b.edges, Edge{Point{xIdx, removed.edgeStartY}, Point{xIdx, y}})
			}
		}
		b.shiftLanesLeft(xIdx, y, removedAboveParent, removed)
	}

	b.drawParentConnections(xIdx, y, commit.Parents)
}

// Finish draws the trailing segment of every still-open lane and returns
// the layout. Open lanes occur when the walk was truncated or a parent was
// never emitted.
func (b *Builder) Finish() HistoryGraph {
	endY := len(b.nodes)
	for x, t := range b.tails {
		b.edges = append(b.edges, Edge{Point{x, t.edgeStartY}, Point{x, endY}})
	}
	return HistoryGraph{Nodes: b.nodes, Edges: b.edges}
}

// Build lays out an already-ordered commit list.
func Build(commits []object.CommitMetadata) HistoryGraph {
	var b Builder
	for _, c := range commits {
		b.ProcessCommit(c)
	}
	return b.Finish()
}

// BuildRepoHistory walks everything reachable from the repository's refs
// and lays it out.
func BuildRepoHistory(ctx context.Context, r *repo.Repo, order repo.SortOrder) (HistoryGraph, error) {
	refs, err := r.References(ctx)
	if err != nil {
		return HistoryGraph{}, err
	}
	heads := make([]object.ObjectId, 0, len(refs))
	for _, ref := range refs {
		heads = append(heads, ref.Target)
	}

	commits, err := r.History(ctx, heads, order)
	if err != nil {
		return HistoryGraph{}, err
	}
	return Build(commits), nil
}

// ensureTail returns the lane holding id, opening a new rightmost lane if
// no edge has been drawn toward this commit yet.
func (b *Builder) ensureTail(id object.ObjectId, y int) int {
	if i := b.tailIndex(id); i >= 0 {
		return i
	}
	b.tails = append(b.tails, tail{id: id, edgeStartY: y})
	return len(b.tails) - 1
}

func (b *Builder) tailIndex(id object.ObjectId) int {
	for i, t := range b.tails {
		if t.id == id {
			return i
		}
	}
	return -1
}

// replaceTailWithParents hands the commit's lane to its first parent that
// has no lane yet; any further laneless parents open new lanes starting at
// the next row. If every parent already has a lane the commit's own lane
// closes, and the removed tail is returned for edge cleanup.
func (b *Builder) replaceTailWithParents(parents []object.ObjectId, xIdx, y int) (tail, bool) {
	replacedSelf := false
	for _, pid := range parents {
		if b.tailIndex(pid) >= 0 {
			continue
		}
		if replacedSelf {
			b.tails = append(b.tails, tail{id: pid, edgeStartY: y + 1})
		} else {
			b.tails[xIdx].id = pid
			replacedSelf = true
		}
	}

	if replacedSelf {
		return tail{}, false
	}
	removed := b.tails[xIdx]
	b.tails = append(b.tails[:xIdx], b.tails[xIdx+1:]...)
	return removed, true
}

// shiftLanesLeft closes the gap a removed lane left behind: every lane to
// its right draws its pending vertical, a diagonal into the next column,
// and restarts below the current row. When the removed lane's history is
// being absorbed by the parent shifting into its column, that lane keeps
// the removed segment's start instead.
func (b *Builder) shiftLanesLeft(xIdx, y int, removedAboveParent bool, removed tail) {
	for i := xIdx; i < len(b.tails); i++ {
		t := &b.tails[i]
		b.edges = append(b.edges,
			Edge{Point{i + 1, t.edgeStartY}, Point{i + 1, y}},
			Edge{Point{i + 1, y}, Point{i, y + 1}})
		if removedAboveParent && i == xIdx {
			t.edgeStartY = removed.edgeStartY
		} else {
			t.edgeStartY = y + 1
		}
	}
}

// drawParentConnections draws the diagonal from the commit to each parent
// that lives in another lane.
func (b *Builder) drawParentConnections(xIdx, y int, parents []object.ObjectId) {
	for i, t := range b.tails {
		if i == xIdx {
			continue
		}
		if containsId(parents, t.id) {
			b.edges = append(b.edges, Edge{Point{xIdx, y}, Point{i, y + 1}})
		}
	}
}

func containsId(ids []object.ObjectId, id object.ObjectId) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
