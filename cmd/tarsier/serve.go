package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zboralski/tarsier/internal/api"
	"github.com/zboralski/tarsier/internal/executor"
	glog "github.com/zboralski/tarsier/internal/log"
)

var (
	serveListen string
	serveShm    string
)

var serveCmd = &cobra.Command{
	Use:   "serve <binary>",
	Short: "Serve the control and report API over HTTP",
	Long: `Serve owns a session for the target and exposes it over HTTP:
health, session state, captured rows, the capture gate, and one-shot
runs. With --map the capture map is file-backed, so watch can attach
from another terminal.`,
	Args: cobra.ExactArgs(1),
	RunE: doServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (default from config)")
	serveCmd.Flags().StringVar(&serveShm, "map", "", "back the capture map with a shared file")
	rootCmd.AddCommand(serveCmd)
}

func doServe(cmd *cobra.Command, args []string) error {
	opts, err := buildOptions(args[0])
	if err != nil {
		return err
	}
	listen := cfg.Listen
	if serveListen != "" {
		listen = serveListen
	}

	var ex *executor.Executor
	if serveShm != "" {
		ex, err = executor.NewShared(opts, serveShm)
	} else {
		ex, err = executor.New(opts)
	}
	if err != nil {
		return err
	}
	defer ex.Close()

	srv := api.NewServer(ex, listen, verbose, glog.L)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
