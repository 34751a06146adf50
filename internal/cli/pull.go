package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// SetSummary reports the counts of one set after a pull or push.
type SetSummary struct {
	Set     string `json:"set"`
	Local   int    `json:"local"`
	Remote  int    `json:"remote"`
	Pending int    `json:"pending"`
}

// NewPullCommand creates the pull command.
func NewPullCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull [set...]",
		Short: "Refresh sets from the remote backend",
		Long: `Refresh entity sets from the remote backend into the local store.

Entities the server no longer reports are dropped locally; entities
created offline and not yet pushed are kept. Without arguments every set
is pulled.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPull(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runPull(opts *RootOptions, names []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)
	ctx := cmd.Context()

	s, err := openSession(ctx, opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer s.close()

	sets, err := s.sets(names)
	if err != nil {
		return err
	}

	summaries := make([]SetSummary, 0, len(sets))
	for _, set := range sets {
		formatter.VerboseLog("Pulling %s", set.Name())
		if err := set.Refresh(ctx); err != nil {
			return formatter.Fail("pull failed", err, map[string]string{"set": set.Name()})
		}
		summaries = append(summaries, summarize(set))
	}
	if err := s.data.Flush(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to persist pulled entities", err)
	}

	if formatter.Format == "json" {
		return formatter.Success(summaries)
	}
	for _, sum := range summaries {
		fmt.Fprintf(formatter.Writer, "✓ %s: %d local, %d remote\n", sum.Set, sum.Local, sum.Remote)
	}
	return nil
}
