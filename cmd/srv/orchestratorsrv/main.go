package main

import (
	"encoding/json"
	"fmt"
	"os"

	coreLogging "github.com/core-tools/hsu-core/pkg/logging"
	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/hsu-orchestrator/pkg/config"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/server"
)

type flagOptions struct {
	Config      string `long:"config" short:"c" description:"configuration file path"`
	Port        int    `long:"port" description:"control port, overrides the configuration"`
	RunDuration int    `long:"run-duration" description:"seconds to run before stopping, 0 runs until signalled"`
	Validate    bool   `long:"validate" description:"validate the configuration, print its summary and exit"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s-server , ", module)
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	_, err := parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Default()
	if opts.Config != "" {
		cfg, err = server.ValidateConfigFile(opts.Config)
		if err != nil {
			fmt.Printf("Configuration is invalid: %v\n", err)
			os.Exit(1)
		}
	}
	if opts.Port != 0 {
		cfg.Control.Port = opts.Port
	}

	if opts.Validate {
		summary, err := json.MarshalIndent(server.GetConfigSummary(cfg), "", "  ")
		if err != nil {
			fmt.Printf("Failed to print configuration summary: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(summary))
		return
	}

	logger, sync, err := logging.NewZapLogger("", *cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer sync()

	logger.Infof("opts: %+v", opts)
	logger.Infof("Starting...")

	coreLogger := coreLogging.NewLogger(
		logPrefix("hsu-core"), coreLogging.LogFuncs{
			Debugf: logger.Debugf,
			Infof:  logger.Infof,
			Warnf:  logger.Warnf,
			Errorf: logger.Errorf,
		})
	orchestratorLogger := logging.NewLogger(logPrefix("hsu-orchestrator"), logging.FuncsOf(logger))

	if err := server.Run(opts.RunDuration, cfg, coreLogger, orchestratorLogger); err != nil {
		logger.Errorf("Orchestrator failed: %v", err)
		sync()
		os.Exit(1)
	}
}
