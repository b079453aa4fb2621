// Command mcast-sender is a demo driver for pkg/sender: it publishes
// lines read from stdin onto a UDPv4 multicast group and exposes
// Prometheus metrics over HTTP.
//
// Grounded on the teacher's core/main.go lifecycle (banner, config
// load, signal handling, graceful shutdown) adapted from a SAMP game
// server entrypoint to this CORE's sender role.
package main

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"reliable-mcast/internal/config"
	"reliable-mcast/internal/metrics"
	"reliable-mcast/pkg/rlog"
	"reliable-mcast/pkg/sender"
	"reliable-mcast/pkg/transport"
)

const version = "1.0.0"

var (
	configPath  string
	metricsAddr string
)

func main() {
	root := &cobra.Command{
		Use:   "mcast-sender",
		Short: "Publish stdin lines as a reliable multicast DATA stream",
		RunE:  run,
	}
	root.Flags().StringVar(&configPath, "config", "", "path to a YAML config file (defaults used if empty)")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", ":9100", "address to serve Prometheus metrics on")

	if err := root.Execute(); err != nil {
		rlog.Error("mcast-sender: fatal", rlog.Fields{"error": err.Error()})
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	rlog.Banner("reliable multicast sender", version)

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	reg := prometheus.NewRegistry()
	mreg := metrics.New(reg, "sender")
	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(metricsAddr, nil); err != nil {
			rlog.Warn("mcast-sender: metrics server stopped", rlog.Fields{"error": err.Error()})
		}
	}()

	t, err := transport.NewUDPMulticast(cfg.MulticastAddr, cfg.MulticastPort, nil)
	if err != nil {
		return err
	}
	defer t.Close()

	s := sender.New(t, transport.RealClock{}, sender.Config{
		SendAckCount:   cfg.SendAckCount,
		SendCount:      cfg.SendCount,
		AckTimeout:     cfg.AckTimeout,
		DeleteCount:    cfg.DeleteCount,
		PacingInterval: cfg.PacingInterval,
	}, mreg)

	s.SetCallback(func(ev sender.Event) {
		rlog.Warn("mcast-sender: event", rlog.Fields{"type": ev.Type, "message": ev.Message})
	})

	s.Start()
	rlog.Info("mcast-sender: started", rlog.Fields{
		"addr": cfg.MulticastAddr,
		"port": cfg.MulticastPort,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	doneCh := make(chan struct{})
	go readStdin(s, doneCh)

	select {
	case <-sigCh:
		rlog.Info("mcast-sender: shutting down", rlog.Fields{})
	case <-doneCh:
		rlog.Info("mcast-sender: stdin closed, draining pacing before exit", rlog.Fields{})
		time.Sleep(200 * time.Millisecond)
	}

	s.Stop()
	return nil
}

func readStdin(s *sender.Sender, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if !s.SendMessage(scanner.Bytes()) {
			fmt.Fprintln(os.Stderr, "mcast-sender: publish rejected, queue full")
		}
	}
}
