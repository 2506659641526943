// Package interactive provides the interactive command-line interface
// for the StageLinq monitor.
package interactive

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"

	"github.com/stagelinq-protocol/stagelinq-go/pkg/beatinfo"
	"github.com/stagelinq-protocol/stagelinq-go/pkg/devices"
	"github.com/stagelinq-protocol/stagelinq-go/pkg/service"
	"github.com/stagelinq-protocol/stagelinq-go/pkg/stagelinq"
	"github.com/stagelinq-protocol/stagelinq-go/pkg/statemap"
)

// defaultPort is the directory port players listen on.
const defaultPort = 41349

// Monitor handles interactive mode for stagelinq-monitor.
type Monitor struct {
	devices *stagelinq.StageLinqDevices
	rl      *readline.Instance
}

// New creates a new interactive monitor handler.
func New(devs *stagelinq.StageLinqDevices) (*Monitor, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "stagelinq> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}

	m := &Monitor{
		devices: devs,
		rl:      rl,
	}

	devs.OnReady(func(info devices.ConnectionInfo) {
		fmt.Fprintf(m.rl.Stdout(), "\n[%s] Ready: %s (%s %s)\n",
			time.Now().Format("15:04:05"), info.Address, info.Software.Name, info.Software.Version)
		m.rl.Refresh()
	})
	devs.OnTrackLoaded(func(address string, track statemap.TrackInfo) {
		fmt.Fprintf(m.rl.Stdout(), "\n[%s] %s deck %d loaded: %s - %s\n",
			time.Now().Format("15:04:05"), address, track.Deck, track.Artist, track.Title)
		m.rl.Refresh()
	})
	devs.OnNowPlaying(func(address string, track statemap.TrackInfo) {
		fmt.Fprintf(m.rl.Stdout(), "\n[%s] %s deck %d playing: %s - %s\n",
			time.Now().Format("15:04:05"), address, track.Deck, track.Artist, track.Title)
		m.rl.Refresh()
	})
	devs.OnStateChanged(func(address string, change statemap.PlayStateChange) {
		state := "stopped"
		if change.Playing {
			state = "started"
		}
		fmt.Fprintf(m.rl.Stdout(), "\n[%s] %s deck %d %s\n",
			time.Now().Format("15:04:05"), address, change.Deck, state)
		m.rl.Refresh()
	})

	return m, nil
}

// Stdout returns a writer that properly coordinates with the readline input.
// Use this for log output to avoid interfering with the command prompt.
func (m *Monitor) Stdout() io.Writer {
	return m.rl.Stdout()
}

// Run starts the interactive command loop.
func (m *Monitor) Run(ctx context.Context, cancel context.CancelFunc) {
	defer m.rl.Close()

	m.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := m.rl.Readline()
		if err != nil {
			// EOF or interrupt
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(m.rl.Stdout(), "Exiting...")
			cancel()
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		parts := strings.Fields(input)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			m.printHelp()

		case "connect", "c":
			m.cmdConnect(ctx, args)

		case "devices", "list", "ls":
			m.cmdDevices()

		case "sources":
			m.cmdSources(args)

		case "download", "dl":
			m.cmdDownload(ctx, args)

		case "beats", "b":
			m.cmdBeats(ctx, args)

		case "disconnect":
			m.cmdDisconnect()

		case "quit", "exit", "q":
			fmt.Fprintln(m.rl.Stdout(), "Exiting...")
			cancel()
			return

		default:
			fmt.Fprintf(m.rl.Stdout(), "Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (m *Monitor) printHelp() {
	fmt.Fprintln(m.rl.Stdout(), `
StageLinq Monitor Commands:
  Connection:
    connect <address> [port]  - Connect to a player (default port 41349)
    devices                   - List known devices and their services
    disconnect                - Tear down all connections

  Library:
    sources <address>         - Show database sources
    download <address> <path> - Download a file from the player

  Beats:
    beats <address> [n]       - Print every n-th beat (default 4)

  General:
    help                      - Show this help
    quit                      - Exit the monitor`)
}

// cmdConnect handles the connect command.
func (m *Monitor) cmdConnect(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(m.rl.Stdout(), "Usage: connect <address> [port]")
		return
	}

	port := uint16(defaultPort)
	if len(args) >= 2 {
		v, err := strconv.ParseUint(args[1], 10, 16)
		if err != nil {
			fmt.Fprintf(m.rl.Stdout(), "Invalid port: %v\n", err)
			return
		}
		port = uint16(v)
	}

	// Manual connects have no discovery announcement to take the
	// token from; a fresh one stands in until the device identifies
	// itself on the wire.
	info := devices.ConnectionInfo{
		Address:  args[0],
		Port:     port,
		Token:    [16]byte(uuid.New()),
		Source:   args[0],
		Software: devices.SoftwareInfo{Name: "manual"},
	}

	fmt.Fprintf(m.rl.Stdout(), "Connecting to %s:%d...\n", info.Address, port)
	go func() {
		if err := m.devices.HandleDevice(ctx, info); err != nil {
			fmt.Fprintf(m.rl.Stdout(), "\nConnect failed: %v\n", err)
			m.rl.Refresh()
		}
	}()
}

// cmdDevices lists known devices and their attached services.
func (m *Monitor) cmdDevices() {
	all := m.devices.Registry().Devices()
	if len(all) == 0 {
		fmt.Fprintln(m.rl.Stdout(), "No devices")
		return
	}

	fmt.Fprintf(m.rl.Stdout(), "\nDevices (%d):\n", len(all))
	fmt.Fprintln(m.rl.Stdout(), "-------------------------------------------")
	for _, dev := range all {
		info := dev.Info()
		fmt.Fprintf(m.rl.Stdout(), "  %s\n", dev.ID())
		fmt.Fprintf(m.rl.Stdout(), "      Address:  %s:%d\n", info.Address, info.Port)
		fmt.Fprintf(m.rl.Stdout(), "      Software: %s %s\n", info.Software.Name, info.Software.Version)
		fmt.Fprintf(m.rl.Stdout(), "      Services: %s\n", strings.Join(dev.ServiceNames(), ", "))
	}
	fmt.Fprintln(m.rl.Stdout())
}

// cmdSources shows the prefetched database sources for a device.
func (m *Monitor) cmdSources(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(m.rl.Stdout(), "Usage: sources <address>")
		return
	}

	sources, ok := m.devices.DBSources(args[0])
	if !ok {
		fmt.Fprintf(m.rl.Stdout(), "No connected device at %s\n", args[0])
		return
	}
	if len(sources) == 0 {
		fmt.Fprintln(m.rl.Stdout(), "No database sources (connect with -db-sources to prefetch)")
		return
	}
	for _, s := range sources {
		fmt.Fprintf(m.rl.Stdout(), "  %s\n", s)
	}
}

// cmdDownload fetches a remote file and stores it locally.
func (m *Monitor) cmdDownload(ctx context.Context, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(m.rl.Stdout(), "Usage: download <address> <path>")
		fmt.Fprintln(m.rl.Stdout(), "  Example: download 10.0.0.5 \"/DJ USB 1/Engine Library/m.db\"")
		return
	}

	address := args[0]
	path := strings.Trim(strings.Join(args[1:], " "), "\"'")

	dlCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	data, err := m.devices.DownloadFile(dlCtx, address, path)
	if err != nil {
		fmt.Fprintf(m.rl.Stdout(), "Download failed: %v\n", err)
		return
	}
	fmt.Fprintf(m.rl.Stdout(), "Downloaded %d bytes from %s\n", len(data), path)
}

// cmdBeats subscribes to beat info on a connected device.
func (m *Monitor) cmdBeats(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(m.rl.Stdout(), "Usage: beats <address> [n]")
		return
	}

	everyN := 4
	if len(args) >= 2 {
		v, err := strconv.Atoi(args[1])
		if err != nil || v <= 0 {
			fmt.Fprintf(m.rl.Stdout(), "Invalid beat interval: %s\n", args[1])
			return
		}
		everyN = v
	}

	address := args[0]
	err := m.devices.SubscribeBeatInfo(ctx, address, everyN, func(msg service.Message[beatinfo.BeatData]) {
		for i, p := range msg.Payload.Players {
			fmt.Fprintf(m.rl.Stdout(), "\n[%s] %s player %d: beat %.1f/%.0f @ %.1f BPM\n",
				time.Now().Format("15:04:05"), address, i+1, p.Beat, p.TotalBeats, p.BPM)
		}
		m.rl.Refresh()
	})
	if err != nil {
		fmt.Fprintf(m.rl.Stdout(), "Beat subscription failed: %v\n", err)
		return
	}
	fmt.Fprintf(m.rl.Stdout(), "Subscribed to beats on %s (every %d beats)\n", address, everyN)
}

// cmdDisconnect tears down all tracked connections.
func (m *Monitor) cmdDisconnect() {
	if err := m.devices.DisconnectAll(); err != nil {
		fmt.Fprintf(m.rl.Stdout(), "Disconnect finished with error: %v\n", err)
		return
	}
	fmt.Fprintln(m.rl.Stdout(), "Disconnected")
}
