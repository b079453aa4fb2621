// Command mcast-receiver is a demo driver for pkg/receiver: it joins a
// UDPv4 multicast group and prints each delivered payload to stdout in
// order, exposing Prometheus metrics over HTTP.
//
// Grounded on the teacher's core/main.go lifecycle (banner, config
// load, signal handling, graceful shutdown) adapted from a SAMP game
// server entrypoint to this CORE's receiver role.
package main

import (
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
	"reliable-mcast/pkg/receiver"
	"reliable-mcast/pkg/rlog"
	"reliable-mcast/pkg/transport"
)

const version = "1.0.0"

var (
	configPath  string
	metricsAddr string
)

func main() {
	root := &cobra.Command{
		Use:   "mcast-receiver",
		Short: "Join a reliable multicast group and print delivered payloads",
		RunE:  run,
	}
	root.Flags().StringVar(&configPath, "config", "", "path to a YAML config file (defaults used if empty)")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", ":9101", "address to serve Prometheus metrics on")

	if err := root.Execute(); err != nil {
		rlog.Error("mcast-receiver: fatal", rlog.Fields{"error": err.Error()})
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	rlog.Banner("reliable multicast receiver", version)

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	reg := prometheus.NewRegistry()
	mreg := metrics.New(reg, "receiver")
	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(metricsAddr, nil); err != nil {
			rlog.Warn("mcast-receiver: metrics server stopped", rlog.Fields{"error": err.Error()})
		}
	}()

	t, err := transport.NewUDPMulticast(cfg.MulticastAddr, cfg.MulticastPort, nil)
	if err != nil {
		return err
	}
	defer t.Close()

	r := receiver.New(t, transport.RealClock{}, receiver.Config{
		NackTimeout:    cfg.NackTimeout,
		PacingInterval: cfg.PacingInterval,
	}, mreg)

	r.SetCallback(func(ev receiver.Event) {
		rlog.Warn("mcast-receiver: event", rlog.Fields{"type": ev.Type, "message": ev.Message})
	})

	r.Start()
	rlog.Info("mcast-receiver: started", rlog.Fields{
		"addr":        cfg.MulticastAddr,
		"port":        cfg.MulticastPort,
		"receiver_id": r.ReceiverID(),
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	pollDone := make(chan struct{})
	go pollDeliveries(r, pollDone)

	<-sigCh
	rlog.Info("mcast-receiver: shutting down", rlog.Fields{})
	r.Stop()
	close(pollDone)
	return nil
}

func pollDeliveries(r *receiver.Receiver, done <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			for {
				msg, ok := r.GetData()
				if !ok {
					break
				}
				fmt.Printf("%d: %s\n", msg.SequenceNumber, msg.Content)
			}
		}
	}
}
