package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/ketrew/pkg/filter"
)

// callCmd evaluates a filter s-expression against
// every stored target and prints the ones that match, the CLI-side
// equivalent of pkg/api's query route. An empty result set is reported as
// exitUserTodo rather than exitOK: the user asked "what matches this", and
// "nothing does" is something for them to act on, not a clean success.
var callCmd = &cobra.Command{
	Use:   "call <user-term>",
	Short: "Evaluate a filter expression against every stored target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := filter.CompileString(args[0])
		if err != nil {
			return fail(exitArgumentError, "compile filter: %w", err)
		}

		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		targets, err := store.ListAllTargets()
		if err != nil {
			return fail(exitEngineError, "list targets: %w", err)
		}

		now := time.Now()
		matched := 0
		for _, t := range targets {
			if filter.Evaluate(f, t, now) {
				matched++
				fmt.Printf("%s\t%s\t%s\n", t.ID, t.Name, t.CurrentState())
			}
		}

		if matched == 0 {
			return fail(exitUserTodo, "no target matches %q", args[0])
		}
		return nil
	},
}
