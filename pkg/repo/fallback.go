package repo

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sphaerophoria/spit/pkg/object"
)

// Fallback resolves metadata for commits none of the direct storage tiers
// could read, typically by asking a full git implementation. It doubles as
// a trusted oracle when validating the bespoke parsers.
type Fallback interface {
	Metadata(ctx context.Context, id object.ObjectId) (object.CommitMetadata, error)
}

// GitCLI is a Fallback backed by the git executable.
type GitCLI struct {
	gitDir string
	bin    string
}

// NewGitCLI returns a fallback that shells out to bin against gitDir.
func NewGitCLI(gitDir, bin string) *GitCLI {
	if bin == "" {
		bin = "git"
	}
	return &GitCLI{gitDir: gitDir, bin: bin}
}

// Metadata asks git to print the commit and parses the plaintext body.
func (g *GitCLI) Metadata(ctx context.Context, id object.ObjectId) (object.CommitMetadata, error) {
	out, err := runGitCapture(ctx, g.bin, g.gitDir, "cat-file", "commit", id.String())
	if err != nil {
		return object.CommitMetadata{}, fmt.Errorf("%v: %w", err, object.ErrObjectNotFound)
	}
	return object.ParseCommitText(id, out)
}

// runGitCapture runs one git command against gitDir and returns its stdout.
// Failures carry the trimmed stderr, which is where git puts the reason.
func runGitCapture(ctx context.Context, bin, gitDir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, bin, append([]string{"--git-dir", gitDir}, args...)...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("git %s: %s", strings.Join(args, " "), msg)
	}
	return stdout.Bytes(), nil
}
