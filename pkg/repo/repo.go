package repo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sphaerophoria/spit/pkg/object"
)

// Repo reads commit metadata out of a git object database without ever
// materializing full commit objects. Metadata is loaded lazily and cached in
// an append-only arena, so an id resolved once stays at a stable index for
// the lifetime of the Repo.
//
// A Repo is not safe for concurrent use; the zlib inflate state is shared
// across lookups.
type Repo struct {
	gitDir string
	gitBin string

	packs         []*object.Pack
	openPackPaths map[string]bool

	parser   *object.CommitParser
	fallback Fallback
	logger   *slog.Logger

	storage []object.CommitMetadata
	lookup  map[object.ObjectId]int
}

// Option adjusts Repo construction.
type Option func(*Repo)

// WithFallback installs a resolver consulted after every direct storage
// tier misses.
func WithFallback(f Fallback) Option {
	return func(r *Repo) { r.fallback = f }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Repo) { r.logger = l }
}

// WithGitBinary overrides the git executable used for refs and the CLI
// fallback.
func WithGitBinary(bin string) Option {
	return func(r *Repo) { r.gitBin = bin }
}

// Open locates the git directory under dir and scans its packs. Packs that
// fail to open are logged and skipped; a repository with no readable packs
// is still usable through loose objects and the fallback.
func Open(dir string, opts ...Option) (*Repo, error) {
	gitDir, err := findGitDir(dir)
	if err != nil {
		return nil, err
	}

	r := &Repo{
		gitDir:        gitDir,
		gitBin:        "git",
		openPackPaths: map[string]bool{},
		parser:        object.NewCommitParser(),
		logger:        slog.Default(),
		lookup:        map[object.ObjectId]int{},
	}
	for _, opt := range opts {
		opt(r)
	}

	r.scanPacks()
	return r, nil
}

// SetFallback installs or replaces the last-resort resolver. Useful when
// the fallback needs the resolved git dir, which is only known after Open.
func (r *Repo) SetFallback(f Fallback) {
	r.fallback = f
}

// Close releases all pack mappings.
func (r *Repo) Close() error {
	var firstErr error
	for _, p := range r.packs {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.packs = nil
	return firstErr
}

// GitDir returns the resolved git directory.
func (r *Repo) GitDir() string {
	return r.gitDir
}

// NumLoaded returns how many commits have been parsed so far.
func (r *Repo) NumLoaded() int {
	return len(r.storage)
}

// Metadata resolves a commit id through every storage tier.
func (r *Repo) Metadata(ctx context.Context, id object.ObjectId) (object.CommitMetadata, error) {
	idx, err := r.metadataIndex(ctx, id)
	if err != nil {
		return object.CommitMetadata{}, err
	}
	return r.storage[idx], nil
}

// metadataIndex returns the arena index for id, loading it on first use.
// Tier order: cache, loose objects, resident packs, a pack dir rescan (at
// most once per lookup), then the fallback. Unreadable data in one tier is
// logged and the search moves on; only a full miss is an error.
func (r *Repo) metadataIndex(ctx context.Context, id object.ObjectId) (int, error) {
	if idx, ok := r.lookup[id]; ok {
		return idx, nil
	}

	meta, ok, err := r.looseMetadata(id)
	if err != nil {
		r.logger.Warn("skipping unreadable loose object", "id", id, "err", err)
	} else if ok {
		return r.insert(meta), nil
	}

	rescanned := false
	for {
		for _, p := range r.packs {
			meta, ok, err := p.CommitMetadata(id)
			if err != nil {
				r.logger.Warn("skipping unreadable pack entry", "pack", p.Path(), "id", id, "err", err)
				continue
			}
			if ok {
				return r.insert(meta), nil
			}
		}
		// A pack may have appeared since the last scan (e.g. a concurrent
		// fetch); pick up new ones once before giving up on this tier.
		if rescanned || r.scanPacks() == 0 {
			break
		}
		rescanned = true
	}

	if r.fallback != nil {
		meta, err := r.fallback.Metadata(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("fallback lookup %s: %w", id, err)
		}
		return r.insert(meta), nil
	}

	return 0, fmt.Errorf("commit %s: %w", id, object.ErrObjectNotFound)
}

func (r *Repo) insert(meta object.CommitMetadata) int {
	idx := len(r.storage)
	r.storage = append(r.storage, meta)
	r.lookup[meta.ID] = idx
	return idx
}

// looseMetadata tries objects/xx/yyyy... for id. ok=false means the file
// does not exist; anything else wrong with it is an error.
func (r *Repo) looseMetadata(id object.ObjectId) (object.CommitMetadata, bool, error) {
	hexId := id.String()
	path := filepath.Join(r.gitDir, "objects", hexId[:2], hexId[2:])

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return object.CommitMetadata{}, false, nil
	}
	if err != nil {
		return object.CommitMetadata{}, false, err
	}

	meta, err := r.parser.ParseLoose(id, data)
	if err != nil {
		return object.CommitMetadata{}, false, err
	}
	return meta, true, nil
}

// scanPacks opens any packs in objects/pack that are not already resident
// and returns how many it added. Unopenable packs are logged and skipped.
func (r *Repo) scanPacks() int {
	pattern := filepath.Join(r.gitDir, "objects", "pack", "*.pack")
	paths, err := filepath.Glob(pattern)
	if err != nil {
		r.logger.Warn("pack dir scan failed", "pattern", pattern, "err", err)
		return 0
	}
	sort.Strings(paths)

	added := 0
	for _, path := range paths {
		if r.openPackPaths[path] {
			continue
		}
		pack, err := object.OpenPack(path)
		if err != nil {
			r.logger.Warn("skipping unreadable pack", "pack", path, "err", err)
			r.openPackPaths[path] = true
			continue
		}
		r.packs = append(r.packs, pack)
		r.openPackPaths[path] = true
		added++
	}
	return added
}

// findGitDir accepts either a worktree root or a git directory itself, and
// follows the "gitdir:" indirection used by worktrees and submodules.
func findGitDir(dir string) (string, error) {
	dotGit := filepath.Join(dir, ".git")
	info, err := os.Stat(dotGit)
	switch {
	case err == nil && info.IsDir():
		return dotGit, nil
	case err == nil:
		target, err := readGitDirFile(dotGit)
		if err != nil {
			return "", err
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(dir, target)
		}
		return target, nil
	}

	if info, err := os.Stat(filepath.Join(dir, "objects")); err == nil && info.IsDir() {
		return dir, nil
	}
	return "", fmt.Errorf("%s is not a git repository: %w", dir, object.ErrInvalidFormat)
}

func readGitDirFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	target, ok := strings.CutPrefix(strings.TrimSpace(string(data)), "gitdir: ")
	if !ok {
		return "", fmt.Errorf("%s: not a gitdir pointer: %w", path, object.ErrInvalidFormat)
	}
	return target, nil
}
