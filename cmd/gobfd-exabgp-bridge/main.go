// gobfd-exabgp-bridge is an ExaBGP process that announces/withdraws routes
// based on BFD session state from GoBFD.
//
// ExaBGP invokes this binary as a "process". Communication follows ExaBGP
// conventions: STDOUT = commands to ExaBGP, STDERR = logging.
//
// On BFD Up:   writes "announce route <prefix> next-hop self\n" to STDOUT
// On BFD Down: writes "withdraw route <prefix> next-hop self\n" to STDOUT
//
// Configuration via environment variables:
//
//	GOBFD_ADDR      - GoBFD control-plane API address (default: http://127.0.0.1:50051)
//	GOBFD_PEER      - BFD peer address to watch
//	ANYCAST_PREFIX  - route prefix to announce/withdraw (e.g., 198.51.100.1/32)
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dantte-lp/gobfd/internal/apiclient"
	"github.com/dantte-lp/gobfd/internal/server"
	appversion "github.com/dantte-lp/gobfd/internal/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-version") {
		fmt.Println(appversion.Full("gobfd-exabgp-bridge"))
		return 0
	}

	gobfdAddr := envOrDefault("GOBFD_ADDR", "http://127.0.0.1:50051")
	peer := os.Getenv("GOBFD_PEER")
	prefix := os.Getenv("ANYCAST_PREFIX")

	// ExaBGP convention: log to STDERR, commands to STDOUT.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if peer == "" || prefix == "" {
		logger.Error("GOBFD_PEER and ANYCAST_PREFIX environment variables are required")
		return 1
	}

	logger.Info("gobfd-exabgp-bridge starting",
		slog.String("gobfd_addr", gobfdAddr),
		slog.String("peer", peer),
		slog.String("prefix", prefix),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := watchAndAnnounce(ctx, gobfdAddr, peer, prefix, logger); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("gobfd-exabgp-bridge stopped")
			return 0
		}
		logger.Error("bridge exited with error", slog.String("error", err.Error()))
		return 1
	}

	return 0
}

// watchAndAnnounce connects to GoBFD, watches BFD events for the specified peer,
// and writes ExaBGP route commands to STDOUT. Reconnects on stream errors with
// exponential backoff.
func watchAndAnnounce(
	ctx context.Context,
	gobfdAddr string,
	peer string,
	prefix string,
	logger *slog.Logger,
) error {
	client := apiclient.New(gobfdAddr)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		err := streamEvents(ctx, client, peer, prefix, logger)
		if err == nil || errors.Is(err, context.Canceled) {
			return err
		}

		logger.Warn("stream disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for reconnect: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// streamEvents opens a single watch connection and processes events.
func streamEvents(
	ctx context.Context,
	client *apiclient.Client,
	peer string,
	prefix string,
	logger *slog.Logger,
) error {
	announced := false

	err := client.WatchSessionEvents(ctx, true, func(event server.StateChangeEvent) error {
		if event.PeerAddress != peer {
			return nil
		}

		announced = handleStateChange(event.State, announced, peer, prefix, logger)

		return nil
	})
	if err != nil {
		return fmt.Errorf("watch session events: %w", err)
	}

	return nil
}

// handleStateChange processes a BFD state change and writes ExaBGP commands to STDOUT.
// Returns the updated announced state.
func handleStateChange(
	state string,
	announced bool,
	peer string,
	prefix string,
	logger *slog.Logger,
) bool {
	switch state {
	case "up":
		if !announced {
			fmt.Fprintf(os.Stdout, "announce route %s next-hop self\n", prefix)
			logger.Info("announced route",
				slog.String("prefix", prefix),
				slog.String("peer", peer),
			)
			return true
		}

	case "down", "admin_down":
		if announced {
			fmt.Fprintf(os.Stdout, "withdraw route %s next-hop self\n", prefix)
			logger.Info("withdrew route",
				slog.String("prefix", prefix),
				slog.String("peer", peer),
			)
			return false
		}

	default:
		logger.Debug("ignoring transient BFD state",
			slog.String("state", state),
			slog.String("peer", peer),
		)
	}

	return announced
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
