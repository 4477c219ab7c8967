// Command gateway runs the trac platform gateway: one listener, protocol
// negotiation, authentication and routing to platform backends.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/trac-platform/gateway/internal/config"
	"github.com/trac-platform/gateway/internal/gateway"
)

// Exit codes form part of the operational contract.
const (
	exitOK          = 0
	exitStartup     = 1
	exitConfig      = 2
	exitKeyMaterial = 3
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath   = flag.String("config", "trac-gateway.yaml", "path to the gateway configuration file")
		validateOnly = flag.Bool("validate", false, "validate the configuration and exit")
		showVersion  = flag.Bool("version", false, "print the version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("trac-gateway %s\n", version)
		return exitOK
	}

	cfg, err := config.NewLoader().Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}
	if *validateOnly {
		fmt.Println("configuration OK")
		return exitOK
	}

	srv, err := gateway.New(cfg)
	if err != nil {
		if errors.Is(err, gateway.ErrMissingKeyMaterial) {
			fmt.Fprintf(os.Stderr, "startup error: %v\n", err)
			return exitKeyMaterial
		}
		fmt.Fprintf(os.Stderr, "startup error: %v\n", err)
		return exitStartup
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "gateway failed: %v\n", err)
		return exitStartup
	}
	return exitOK
}
