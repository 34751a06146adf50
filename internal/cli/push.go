package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/entsync/internal/data"
	"github.com/roach88/entsync/internal/mapping"
)

// NewPushCommand creates the push command.
func NewPushCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push [set...]",
		Short: "Send pending local changes to the remote backend",
		Long: `Send the creates, updates and removes recorded in the local store.

Pending changes survive restarts: the sets are hydrated from the store
first, then every pending entity is saved. Without arguments every set
is pushed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPush(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runPush(opts *RootOptions, names []string, cmd *cobra.Command) error {
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

	var failed []error
	summaries := make([]SetSummary, 0, len(sets))
	for _, set := range sets {
		n := countPending(set)
		formatter.VerboseLog("Pushing %d pending change(s) of %s", n, set.Name())
		if err := set.SaveChanges(ctx); err != nil {
			failed = append(failed, err)
		}
		summaries = append(summaries, summarize(set))
	}
	if err := s.data.Flush(ctx); err != nil {
		failed = append(failed, err)
	}

	if err := errors.Join(failed...); err != nil {
		return formatter.Fail("push failed", err, summaries)
	}
	if formatter.Format == "json" {
		return formatter.Success(summaries)
	}
	for _, sum := range summaries {
		fmt.Fprintf(formatter.Writer, "✓ %s: %d local, %d pending\n", sum.Set, sum.Local, sum.Pending)
	}
	return nil
}

func summarize(set *data.Set) SetSummary {
	return SetSummary{
		Set:     set.Name(),
		Local:   set.LocalCount(),
		Remote:  set.RemoteCount(),
		Pending: countPending(set),
	}
}

// pending reports whether e has changes SaveChanges would send.
func pending(e *mapping.Entity) bool {
	return e.State() != mapping.StateUnchanged || e.HasChanges()
}

func countPending(set *data.Set) int {
	n := 0
	for _, e := range set.Contents() {
		if pending(e) {
			n++
		}
	}
	return n
}
