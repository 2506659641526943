// Command stagelinq-monitor is an interactive client for StageLinq
// devices: connect to a player, watch deck state, subscribe to beat
// info and download files from its library.
//
// Usage:
//
//	stagelinq-monitor [flags]
//
// Flags:
//
//	-config string     Options file path (YAML)
//	-log-file string   Write protocol events to a capture file
//	-db-sources        Prefetch database sources on connect
//	-source string     Source identity to announce (default "stagelinq-go")
//
// Interactive Commands:
//
//	connect <address> [port] - Connect to a player
//	devices                  - List known devices
//	sources <address>        - Show database sources
//	download <address> <path> - Download a file
//	beats <address> [n]      - Print every n-th beat (default 4)
//	disconnect               - Tear down all connections
//	quit                     - Exit the monitor
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	stagelinqlog "github.com/stagelinq-protocol/stagelinq-go/pkg/log"
	"github.com/stagelinq-protocol/stagelinq-go/pkg/stagelinq"

	"github.com/stagelinq-protocol/stagelinq-go/cmd/stagelinq-monitor/interactive"
)

var (
	configFile string
	logFile    string
	dbSources  bool
	source     string
)

func init() {
	flag.StringVar(&configFile, "config", "", "Options file path (YAML)")
	flag.StringVar(&logFile, "log-file", "", "Write protocol events to a capture file")
	flag.BoolVar(&dbSources, "db-sources", false, "Prefetch database sources on connect")
	flag.StringVar(&source, "source", "", "Source identity to announce")
}

func main() {
	flag.Parse()
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	opts := stagelinq.DefaultOptions()
	if configFile != "" {
		var err error
		opts, err = stagelinq.LoadOptions(configFile)
		if err != nil {
			log.Fatalf("Failed to load options: %v", err)
		}
	}
	if dbSources {
		opts.DownloadDBSources = true
	}
	if source != "" {
		opts.ActingAs.Source = source
	}

	var devOpts []stagelinq.DevicesOption
	if logFile != "" {
		capture, err := stagelinqlog.NewFileLogger(logFile)
		if err != nil {
			log.Fatalf("Failed to open capture file: %v", err)
		}
		defer capture.Close()
		devOpts = append(devOpts, stagelinq.WithLogger(capture))
		log.Printf("Capturing protocol events to %s", logFile)
	}

	devices, err := stagelinq.New(opts, devOpts...)
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mon, err := interactive.New(devices)
	if err != nil {
		log.Fatalf("Failed to create monitor: %v", err)
	}
	// Route log output through readline so it does not clobber the prompt.
	log.SetOutput(mon.Stdout())
	go mon.Run(ctx, cancel)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal: %v", sig)
	case <-ctx.Done():
	}

	log.Println("Shutting down...")
	if err := devices.DisconnectAll(); err != nil {
		log.Printf("Error during disconnect: %v", err)
	}
}
