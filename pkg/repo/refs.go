package repo

import (
	"context"
	"fmt"
	"strings"

	"github.com/sphaerophoria/spit/pkg/object"
)

// Ref is a named pointer into the commit graph.
type Ref struct {
	Name   string
	Target object.ObjectId
}

// Head resolves HEAD to a commit id.
func (r *Repo) Head(ctx context.Context) (object.ObjectId, error) {
	out, err := runGitCapture(ctx, r.gitBin, r.gitDir, "rev-parse", "HEAD")
	if err != nil {
		return object.ObjectId{}, err
	}
	return object.ParseObjectId(strings.TrimSpace(string(out)))
}

// Subject returns the first line of a commit's message via the git backend.
// Metadata extraction never touches the message, so display is the one
// place the engine reads it.
func (r *Repo) Subject(ctx context.Context, id object.ObjectId) (string, error) {
	out, err := runGitCapture(ctx, r.gitBin, r.gitDir, "log", "-1", "--format=%s", id.String())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// References lists every ref with its target, peeling annotated tags so
// targets always point at commits.
func (r *Repo) References(ctx context.Context) ([]Ref, error) {
	out, err := runGitCapture(ctx, r.gitBin, r.gitDir,
		"for-each-ref", "--format", "%(objectname) %(*objectname) %(refname)")
	if err != nil {
		return nil, err
	}

	var refs []Ref
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 3)
		if len(fields) != 3 {
			return nil, fmt.Errorf("unexpected for-each-ref line %q: %w", line, object.ErrInvalidFormat)
		}
		target := fields[0]
		if fields[1] != "" {
			// Peeled target of an annotated tag.
			target = fields[1]
		}
		id, err := object.ParseObjectId(target)
		if err != nil {
			return nil, err
		}
		refs = append(refs, Ref{Name: fields[2], Target: id})
	}
	return refs, nil
}
