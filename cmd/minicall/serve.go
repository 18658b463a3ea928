package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"mini-call/registry"
	"mini-call/server"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveFlags struct {
	addr       string
	advertise  string
	queueLimit int
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an echo backend for local testing",
	Long: `serve runs a backend that answers every call index with its own data, over both the
direct routes and the queue. With discovery.etcd_endpoints configured it registers itself under
discovery.service, advertised as --advertise.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.addr, "addr", ":7860", "listen address")
	serveCmd.Flags().StringVar(&serveFlags.advertise, "advertise", "http://127.0.0.1:7860/", "base URL registered for discovery")
	serveCmd.Flags().IntVar(&serveFlags.queueLimit, "queue-limit", 0, "answer queue_full beyond this many queued calls, 0 for no limit")
}

func runServe(cmd *cobra.Command, args []string) error {
	srv := server.NewServer(logger)
	srv.HandleDefault(server.Echo)
	srv.SetQueueLimit(serveFlags.queueLimit)

	var reg registry.Registry
	if len(cfg.Discovery.EtcdEndpoints) > 0 {
		etcdReg, err := registry.NewEtcdRegistry(cfg.Discovery.EtcdEndpoints, 5*time.Second)
		if err != nil {
			return err
		}
		defer etcdReg.Close()
		reg = etcdReg
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down backend")
		if err := srv.Shutdown(10 * time.Second); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	}()

	return srv.Serve(serveFlags.addr, serveFlags.advertise, cfg.Discovery.Service, reg)
}
