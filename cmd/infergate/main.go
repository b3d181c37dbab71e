// Copyright Infergate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/infergate/infergate/internal/version"
)

type (
	// cmd corresponds to the top-level `infergate` command.
	cmd struct {
		// Version is the sub-command to show the version.
		Version struct{} `cmd:"" help:"Show version."`
		// Run is the sub-command parsed by the `cmdRun` struct.
		Run cmdRun `cmd:"" help:"Run the gateway for the given configuration."`
		// Healthcheck is the sub-command to check if the gateway is healthy.
		Healthcheck cmdHealthcheck `cmd:"" help:"Docker HEALTHCHECK command."`
	}
	// cmdRun corresponds to the `infergate run` command.
	cmdRun struct {
		Debug bool   `help:"Enable debug logging emitted to stderr."`
		Path  string `arg:"" name:"path" optional:"" help:"Path to the gateway configuration JSON file. Optional when INFERGATE_NODES is set." type:"path"`
	}
	// cmdHealthcheck corresponds to the `infergate healthcheck` command.
	cmdHealthcheck struct {
		AdminPort int `help:"Port of the admin server to probe." default:"9090"`
	}
)

// Validate is called by Kong after parsing to validate the cmdRun arguments.
func (c *cmdRun) Validate() error {
	if c.Path == "" && os.Getenv("INFERGATE_NODES") == "" {
		return fmt.Errorf("you must supply a configuration file path or set INFERGATE_NODES")
	}
	return nil
}

type (
	runFn         func(context.Context, cmdRun, io.Writer, io.Writer) error
	healthcheckFn func(context.Context, int, io.Writer, io.Writer) error
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	doMain(ctx, os.Stdout, os.Stderr, os.Args[1:], os.Exit, run, healthcheck)
}

// doMain parses the command line arguments and executes the selected command.
// The writers, exit function and command implementations are injectable for
// testing.
func doMain(ctx context.Context, stdout, stderr io.Writer, args []string, exitFn func(int),
	rf runFn,
	hf healthcheckFn,
) {
	var c cmd
	parser, err := kong.New(&c,
		kong.Name("infergate"),
		kong.Description("Anthropic-compatible gateway for OpenAI-compatible inference clusters"),
		kong.Writers(stdout, stderr),
		kong.Exit(exitFn),
	)
	if err != nil {
		log.Fatalf("Error creating parser: %v", err)
	}
	parsed, err := parser.Parse(args)
	parser.FatalIfErrorf(err)
	switch parsed.Command() {
	case "version":
		_, _ = fmt.Fprintf(stdout, "Infergate: %s\n", version.Version())
	case "run", "run <path>":
		if err := rf(ctx, c.Run, stdout, stderr); err != nil {
			log.Fatalf("Error running: %v", err)
		}
	case "healthcheck":
		if err := hf(ctx, c.Healthcheck.AdminPort, stdout, stderr); err != nil {
			log.Fatalf("Health check failed: %v", err)
		}
	default:
		panic("unreachable")
	}
}
