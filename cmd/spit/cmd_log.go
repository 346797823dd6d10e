package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sphaerophoria/spit/pkg/object"
	"github.com/sphaerophoria/spit/pkg/repo"
)

func newLogCmd() *cobra.Command {
	var limit int
	var allRefs bool
	var subjects bool

	cmd := &cobra.Command{
		Use:   "log [commit...]",
		Short: "Show commit history newest-first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flagConfig)
			if err != nil {
				return err
			}
			order, err := cfg.sortOrder()
			if err != nil {
				return err
			}

			r, err := openRepo(cfg)
			if err != nil {
				return err
			}
			defer r.Close()

			heads, err := resolveHeads(cmd, r, args, allRefs)
			if err != nil {
				return err
			}

			commits, err := r.History(cmd.Context(), heads, order)
			if err != nil {
				return err
			}
			if limit > 0 && len(commits) > limit {
				commits = commits[:limit]
			}

			out := cmd.OutOrStdout()
			for _, c := range commits {
				fmt.Fprintf(out, "commit %s\n", c.ID)
				for _, p := range c.Parents {
					fmt.Fprintf(out, "parent %s\n", p)
				}
				fmt.Fprintf(out, "AuthorDate: %s\n", c.AuthorTimestamp.Format("2006-01-02 15:04:05 -0700"))
				fmt.Fprintf(out, "CommitDate: %s\n", c.CommitterTimestamp.Format("2006-01-02 15:04:05 -0700"))
				if subjects {
					subject, err := r.Subject(cmd.Context(), c.ID)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "\n    %s\n", subject)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of commits to show (0 = all)")
	cmd.Flags().BoolVar(&allRefs, "all", false, "walk from every ref instead of HEAD")
	cmd.Flags().BoolVar(&subjects, "subjects", false, "fetch commit subjects through the git backend")

	return cmd
}

// resolveHeads turns command arguments into walk roots: explicit ids win,
// then every ref with --all, then HEAD.
func resolveHeads(cmd *cobra.Command, r *repo.Repo, args []string, allRefs bool) ([]object.ObjectId, error) {
	if len(args) > 0 {
		heads := make([]object.ObjectId, 0, len(args))
		for _, arg := range args {
			id, err := object.ParseObjectId(arg)
			if err != nil {
				return nil, err
			}
			heads = append(heads, id)
		}
		return heads, nil
	}

	if allRefs {
		refs, err := r.References(cmd.Context())
		if err != nil {
			return nil, err
		}
		heads := make([]object.ObjectId, 0, len(refs))
		for _, ref := range refs {
			heads = append(heads, ref.Target)
		}
		return heads, nil
	}

	head, err := r.Head(cmd.Context())
	if err != nil {
		return nil, fmt.Errorf("cannot resolve HEAD: %w", err)
	}
	return []object.ObjectId{head}, nil
}
