package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/sphaerophoria/spit/pkg/repo"
)

type config struct {
	SortOrder     string `toml:"sort_order"`
	AllowFallback bool   `toml:"allow_fallback"`
	GitBinary     string `toml:"git_binary"`
}

func defaultConfig() config {
	return config{
		SortOrder:     "committer",
		AllowFallback: true,
		GitBinary:     "git",
	}
}

// loadConfig reads path, or the default location when path is empty. A
// missing file is not an error; the defaults apply.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	if path == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return cfg, nil
		}
		path = filepath.Join(configDir, "spit", "config.toml")
	}

	meta, err := toml.DecodeFile(path, &cfg)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("config %s: unknown key %q", path, undecoded[0])
	}
	return cfg, nil
}

func (c config) sortOrder() (repo.SortOrder, error) {
	switch c.SortOrder {
	case "", "committer":
		return repo.SortCommitterTimestamp, nil
	case "author":
		return repo.SortAuthorTimestamp, nil
	default:
		return 0, fmt.Errorf("unknown sort_order %q (want committer or author)", c.SortOrder)
	}
}

// openRepo applies the config's fallback and git settings on top of the
// --repo flag.
func openRepo(cfg config) (*repo.Repo, error) {
	r, err := repo.Open(flagRepo, repo.WithGitBinary(cfg.GitBinary))
	if err != nil {
		return nil, err
	}
	if cfg.AllowFallback {
		r.SetFallback(repo.NewGitCLI(r.GitDir(), cfg.GitBinary))
	}
	return r, nil
}
