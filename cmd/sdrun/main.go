package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/floppym/pystemd/internal/logging"
	"github.com/floppym/pystemd/internal/run"
)

func main() {
	logging.ConfigureRuntime()

	c, err := parseArgs(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "sdrun: %v\n", err)
		os.Exit(2)
	}
	if c.quiet {
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	}

	unit, err := run.Run(c.opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sdrun: %v\n", err)
		os.Exit(1)
	}
	if unit != nil {
		log.Info().Str("path", string(unit.Path())).Msg("unit kept loaded")
	}
}
