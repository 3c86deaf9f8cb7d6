package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/ketrew/pkg/events"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive the engine: one tick (step) or a service-mode loop (loop)",
}

var runStepCmd = &cobra.Command{
	Use:   "step",
	Short: "Run exactly one engine tick and print what happened",
	RunE: func(cmd *cobra.Command, args []string) error {
		stack, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer stack.Close()

		happened, err := stack.Engine.Step(cmd.Context())
		if err != nil {
			return fail(exitEngineError, "step: %w", err)
		}

		sawFailure := false
		for _, ev := range happened {
			fmt.Printf("%s\t%s\t%s\n", ev.TargetID, ev.Type, ev.Message)
			if ev.Type == events.EventTargetFailed || ev.Type == events.EventTargetDead {
				sawFailure = true
			}
		}

		if sawFailure {
			return fail(exitUserTodo, "tick produced at least one failed or dead target")
		}
		return nil
	},
}

var runLoopCmd = &cobra.Command{
	Use:   "loop",
	Short: "Run the engine continuously until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		stack, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer stack.Close()
		e := stack.Engine

		if err := e.Recover(); err != nil {
			return fail(exitEngineError, "recovery scan: %w", err)
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			fmt.Println("\nShutting down...")
			e.Stop()
			cancel()
		}()

		fmt.Println("ketrew engine running. Press Ctrl+C to stop.")
		if err := e.RunLoop(ctx); err != nil && ctx.Err() == nil {
			return fail(exitEngineError, "run loop: %w", err)
		}
		return nil
	},
}

func init() {
	runCmd.AddCommand(runStepCmd)
	runCmd.AddCommand(runLoopCmd)
}
