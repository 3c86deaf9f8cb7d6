package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/ketrew/pkg/api"
	"github.com/cuemby/ketrew/pkg/commandpipe"
	"github.com/cuemby/ketrew/pkg/log"
	"github.com/cuemby/ketrew/pkg/metrics"
)

// runServeCmd boots the full server-side stack: the engine loop, the
// unix-socket command pipe, and the HTTPS/JSON API, all sharing one
// store. Configuration comes from DB_URI (the bbolt data directory),
// PORT, and AUTH_TOKEN; --data-dir/--port flags still win if set
// explicitly.
var runServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine loop, command pipe, and HTTPS API together",
	RunE: func(cmd *cobra.Command, args []string) error {
		if dbURI := os.Getenv("DB_URI"); dbURI != "" && !cmd.Flags().Changed("data-dir") {
			cmd.Flags().Set("data-dir", dbURI)
		}

		stack, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer stack.Close()
		e, store := stack.Engine, stack.Store

		if err := e.Recover(); err != nil {
			return fail(exitEngineError, "recovery scan: %w", err)
		}

		metrics.SetVersion(Version)
		metrics.RegisterComponent("storage", true, "bolt store open")
		metrics.RegisterComponent("engine", true, "engine loop starting")
		metrics.RegisterComponent("api", true, "api serving")
		collector := metrics.NewCollector(store)
		collector.Start()
		defer collector.Stop()

		dataDir, _ := cmd.Flags().GetString("data-dir")
		sockPath := filepath.Join(dataDir, "ketrew.sock")
		pipe, err := commandpipe.Listen(store, sockPath)
		if err != nil {
			return fail(exitEngineError, "command pipe: %w", err)
		}

		port, _ := cmd.Flags().GetString("port")
		if port == "" {
			port = os.Getenv("PORT")
		}
		if port == "" {
			port = "8443"
		}
		var tokens []string
		if raw := os.Getenv("AUTH_TOKEN"); raw != "" {
			tokens = strings.Split(raw, ",")
		}

		server := api.NewServer(api.Config{
			Store:      store,
			Engine:     e,
			Backends:   stack.Backends,
			Hosts:      stack.Hosts,
			AuthTokens: tokens,
		})
		httpServer := &http.Server{Addr: ":" + port, Handler: server}
		tlsCert, _ := cmd.Flags().GetString("tls-cert")
		tlsKey, _ := cmd.Flags().GetString("tls-key")

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		logger := log.WithComponent("cmd/ketrew")

		go func() {
			if err := pipe.Serve(); err != nil {
				logger.Error().Err(err).Msg("command pipe stopped")
			}
		}()

		engineErrCh := make(chan error, 1)
		go func() { engineErrCh <- e.RunLoop(ctx) }()

		go func() {
			var err error
			if tlsCert != "" && tlsKey != "" {
				logger.Info().Str("addr", httpServer.Addr).Msg("serving HTTPS API")
				err = httpServer.ListenAndServeTLS(tlsCert, tlsKey)
			} else {
				logger.Warn().Str("addr", httpServer.Addr).Msg("no --tls-cert/--tls-key configured, serving plain HTTP")
				err = httpServer.ListenAndServe()
			}
			if err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("api server stopped")
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-engineErrCh:
			if err != nil {
				metrics.UpdateComponent("engine", false, err.Error())
				logger.Error().Err(err).Msg("engine loop stopped")
			}
		}

		e.Stop()
		cancel()
		_ = pipe.Close()
		_ = httpServer.Shutdown(context.Background())
		server.Close()
		return nil
	},
}

func init() {
	runCmd.AddCommand(runServeCmd)
	runServeCmd.Flags().String("port", "", "HTTPS listen port (overrides $PORT)")
	runServeCmd.Flags().String("tls-cert", "", "Path to the TLS certificate (PEM)")
	runServeCmd.Flags().String("tls-key", "", "Path to the TLS private key (PEM)")
}
