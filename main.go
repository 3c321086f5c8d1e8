package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"dccbot/config"
)

func main() {
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:]) {
			return
		}
	}

	configPath := pflag.String("config", "dccbot.json", "path to the JSON config file")
	metricsInterval := pflag.Duration("metrics-interval", 10*time.Second, "interval between metrics/log summary ticks")
	pflag.Parse()

	global, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := NewTelemetry(logRingSize)
	registry := NewRegistry()
	sup := NewSupervisor(global, registry, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Start(ctx)

	pc := newPromCounters()
	go RunMetrics(ctx, sup, pc, log, *metricsInterval)

	// Connect in a stable order so two runs of the same config produce the
	// same log/registration sequence.
	hosts := maps.Keys(global.Servers)
	slices.Sort(hosts)
	for _, host := range hosts {
		if _, err := sup.EnsureSession(host); err != nil {
			log.Errorf("main", "%s: %v", host, err)
		}
	}

	ws := NewWSFeed(sup, log)
	api := NewControlAPI(sup, log, ws)

	ln, err := net.Listen("tcp", global.HTTPAddr)
	if err != nil {
		log.Errorf("main", "bind %s: %v", global.HTTPAddr, err)
		os.Exit(2)
	}
	log.Infof("main", "control plane listening on %s", global.HTTPAddr)

	serveDone := make(chan struct{})
	go func() {
		if err := api.Serve(ctx, ln); err != nil {
			log.Errorf("main", "control plane: %v", err)
		}
		close(serveDone)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Infof("main", "received interrupt, shutting down")
	case <-api.ShutdownRequested():
		log.Infof("main", "shutdown requested via control plane")
	case <-serveDone:
		log.Warnf("main", "control plane exited unexpectedly")
	}

	sup.Shutdown()
	cancel()
	<-serveDone
}
