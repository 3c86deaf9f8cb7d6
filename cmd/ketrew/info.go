package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/cuemby/ketrew/pkg/types"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Summarize every target by current state",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		targets, err := store.ListAllTargets()
		if err != nil {
			return fail(exitEngineError, "list targets: %w", err)
		}

		counts := make(map[types.StateKind]int)
		for _, t := range targets {
			counts[t.CurrentState()]++
		}

		fmt.Printf("%d targets\n", len(targets))
		states := make([]types.StateKind, 0, len(counts))
		for s := range counts {
			states = append(states, s)
		}
		sort.Slice(states, func(i, j int) bool { return states[i] < states[j] })
		for _, s := range states {
			fmt.Printf("  %-30s %d\n", s, counts[s])
		}
		return nil
	},
}
