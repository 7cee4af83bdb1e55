package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		asJSON  bool
		maxWalk int
	)

	cmd := &cobra.Command{
		Use:   "history <repo-link> <release-tag> <prev-release-tag>",
		Short: "Print the commit messages a release would be generated from",
		Long: `History syncs the repository and prints the messages of every commit
reachable from the release tag, newest first, stopping at the previous
release's commit.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("max-walk") {
				if maxWalk <= 0 {
					return withExitCode(fmt.Errorf("--max-walk must be > 0"), exitCodeUsage)
				}
				a.cfg.Repos.MaxWalk = maxWalk
			}

			messages, err := a.extractor(a.reposCache()).Extract(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(messages)
			}
			for i, msg := range messages {
				if i > 0 {
					fmt.Fprintln(out, "--------------------")
				}
				fmt.Fprintln(out, msg)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print messages as a JSON array")
	cmd.Flags().IntVar(&maxWalk, "max-walk", 0, "override repos.max_walk")
	return cmd
}
