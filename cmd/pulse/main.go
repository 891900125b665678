package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"pve-pulse/internal/config"
	"pve-pulse/internal/hub"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		os.Exit(reportStartup(os.Stderr, err))
	}

	logger := hub.BuildLogger(cfg)
	h, err := hub.New(cfg, logger)
	if err != nil {
		var cfgErr *config.ConfigurationError
		if errors.As(err, &cfgErr) {
			os.Exit(reportStartup(os.Stderr, err))
		}
		logger.Error("hub initialization failed", "error", err)
		os.Exit(1)
	}

	if err := h.Run(context.Background()); err != nil {
		logger.Error("hub runtime failed", "error", err)
		os.Exit(1)
	}
}

// reportStartup prints a startup failure to w and returns the exit status:
// 0 for --help, 2 for anything else.
func reportStartup(w io.Writer, err error) int {
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	var cfgErr *config.ConfigurationError
	if errors.As(err, &cfgErr) {
		fmt.Fprintln(w, err)
		return 2
	}
	fmt.Fprintf(w, "load config: %v\n", err)
	return 2
}
