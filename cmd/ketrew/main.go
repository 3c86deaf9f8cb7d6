// Package main is the ketrew CLI: a single cobra binary that drives the
// engine in-process against a local bbolt store. It does not speak to a
// remote pkg/api server — info, call, and run all open the store
// directly.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/ketrew/pkg/backend"
	"github.com/cuemby/ketrew/pkg/engine"
	"github.com/cuemby/ketrew/pkg/events"
	"github.com/cuemby/ketrew/pkg/host"
	"github.com/cuemby/ketrew/pkg/log"
	"github.com/cuemby/ketrew/pkg/storage"
)

// Process exit codes.
const (
	exitOK             = 0
	exitUserTodo       = 2
	exitNotImplemented = 3
	exitArgumentError  = 4
	exitEngineError    = 5
	exitWrongCommand   = 6
)

var (
	// Version is set via ldflags at release build time.
	Version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "ketrew",
	Short: "ketrew - a workflow engine for heterogeneous compute backends",
	Long: `ketrew runs target state machines to completion against local,
PBS, and LSF backends, driven by a persistent engine loop and queried
through an s-expression filter language.`,
	Version:          Version,
	SilenceUsage:     true,
	SilenceErrors:    true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) { initLogging(cmd) },
}

func init() {
	rootCmd.PersistentFlags().String("data-dir", "./ketrew-data", "Directory holding the bbolt store")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(runCmd)
}

func initLogging(cmd *cobra.Command) {
	logLevel, _ := cmd.PersistentFlags().GetString("log-level")
	logJSON, _ := cmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

// exitedErr carries the exit code a subcommand wants main to use, letting
// RunE return a normal error for cobra's own reporting while still
// distinguishing "user-todo failure" from "engine error" at the process
// boundary.
type exitedErr struct {
	code int
	err  error
}

func (e *exitedErr) Error() string { return e.err.Error() }
func (e *exitedErr) Unwrap() error { return e.err }

func fail(code int, format string, args ...interface{}) error {
	return &exitedErr{code: code, err: fmt.Errorf(format, args...)}
}

func exitCodeFor(err error) int {
	var e *exitedErr
	if ok := asExitedErr(err, &e); ok {
		return e.code
	}
	return exitWrongCommand
}

func asExitedErr(err error, target **exitedErr) bool {
	for err != nil {
		if e, ok := err.(*exitedErr); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// openStore opens the bbolt store at --data-dir, wrapping open failures as
// engine errors (the store is not reachable, not a bad argument).
func openStore(cmd *cobra.Command) (storage.Store, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return nil, fail(exitEngineError, "open store at %s: %w", dataDir, err)
	}
	return store, nil
}

// defaultRegistries wires the backends and hosts every ketrew process
// supports out of the box: the compiled-in backend set plus a single
// "localhost" host, session-bounded like any other host would be.
func defaultRegistries() (*backend.Registry, *host.Registry) {
	backends := backend.NewDefaultRegistry()
	hosts := host.NewRegistry()
	hosts.Register("localhost", host.NewPool(host.NewLocalHost("localhost"), 0))
	return backends, hosts
}

// engineStack is everything openEngine wires together: the run subcommands
// need the engine itself, and serve additionally hands the same registries
// and store to the API server so both layers resolve the same instances.
type engineStack struct {
	Engine   *engine.Engine
	Store    storage.Store
	Broker   *events.Broker
	Backends *backend.Registry
	Hosts    *host.Registry
}

// openEngine opens the store and constructs an Engine over it, for the run
// subcommands that need to actually tick.
func openEngine(cmd *cobra.Command) (*engineStack, error) {
	store, err := openStore(cmd)
	if err != nil {
		return nil, err
	}
	backends, hosts := defaultRegistries()
	broker := events.NewBroker()
	broker.Start()
	e := engine.New(engine.Config{Store: store, Backends: backends, Hosts: hosts, Broker: broker})
	return &engineStack{Engine: e, Store: store, Broker: broker, Backends: backends, Hosts: hosts}, nil
}

// Close releases the stack's long-lived resources in reverse wiring order.
func (s *engineStack) Close() {
	s.Broker.Stop()
	_ = s.Store.Close()
}
