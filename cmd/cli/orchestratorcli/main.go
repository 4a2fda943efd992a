package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	coreControl "github.com/core-tools/hsu-core/pkg/control"
	coreDomain "github.com/core-tools/hsu-core/pkg/domain"
	coreLogging "github.com/core-tools/hsu-core/pkg/logging"
	sprintfLogging "github.com/core-tools/hsu-core/pkg/logging/sprintf"
	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/hsu-orchestrator/pkg/control"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
)

type flagOptions struct {
	ServerPath     string `long:"server" description:"path to the server executable"`
	AttachPort     int    `long:"port" description:"port to attach to the server"`
	Navigate       string `long:"navigate" description:"href to navigate to"`
	Unload         string `long:"unload" description:"name of a unit to unload"`
	WaitForUnmount bool   `long:"wait-for-unmount" description:"unload once the unit is next unmounted"`
	Units          bool   `long:"units" description:"print the status of every unit"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s-client , ", module)
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v", err)
		os.Exit(1)
	}

	logger := sprintfLogging.NewStdSprintfLogger()

	logger.Infof("opts: %+v", opts)

	if opts.ServerPath == "" && opts.AttachPort == 0 {
		fmt.Println("Server path or attach port is required")
		os.Exit(1)
	}

	logger.Infof("Starting...")

	coreLogger := coreLogging.NewLogger(
		logPrefix("hsu-core"), coreLogging.LogFuncs{
			Debugf: logger.Debugf,
			Infof:  logger.Infof,
			Warnf:  logger.Warnf,
			Errorf: logger.Errorf,
		})
	orchestratorLogger := logging.NewLogger(
		logPrefix("hsu-orchestrator"), logging.LogFuncs{
			Debugf: logger.Debugf,
			Infof:  logger.Infof,
			Warnf:  logger.Warnf,
			Errorf: logger.Errorf,
		})

	coreConnectionOptions := coreControl.ConnectionOptions{
		ServerPath: opts.ServerPath,
		AttachPort: opts.AttachPort,
	}
	coreConnection, err := coreControl.NewConnection(coreConnectionOptions, coreLogger)
	if err != nil {
		logger.Errorf("Failed to create core connection: %v", err)
		return
	}

	coreClientGateway := coreControl.NewGRPCClientGateway(coreConnection.GRPC(), coreLogger)
	orchestratorClientGateway := control.NewGRPCClientGateway(coreConnection.GRPC(), orchestratorLogger)

	ctx := context.Background()

	retryPingOptions := coreDomain.RetryPingOptions{
		RetryAttempts: 10,
		RetryInterval: 1 * time.Second,
	}
	err = coreDomain.RetryPing(ctx, coreClientGateway, retryPingOptions, coreLogger)
	if err != nil {
		logger.Errorf("Failed to ping orchestrator server: %v", err)
		return
	}

	status, err := orchestratorClientGateway.Status(ctx)
	if err != nil {
		logger.Errorf("Failed to get status: %v", err)
		return
	}
	logger.Infof("Status: %s", status)

	if opts.Navigate != "" {
		active, err := orchestratorClientGateway.Navigate(ctx, opts.Navigate)
		if err != nil {
			logger.Errorf("Failed to navigate: %v", err)
			return
		}
		logger.Infof("Navigated to %s, active units: %v", opts.Navigate, active)
	}

	if opts.Unload != "" {
		if err := orchestratorClientGateway.Unload(ctx, opts.Unload, opts.WaitForUnmount); err != nil {
			logger.Errorf("Failed to unload %s: %v", opts.Unload, err)
			return
		}
		logger.Infof("Unloaded %s", opts.Unload)
	}

	active, err := orchestratorClientGateway.ActiveUnits(ctx)
	if err != nil {
		logger.Errorf("Failed to get active units: %v", err)
		return
	}
	logger.Infof("Active units: %v", active)

	if opts.Units {
		statuses, err := orchestratorClientGateway.UnitStatuses(ctx)
		if err != nil {
			logger.Errorf("Failed to get unit statuses: %v", err)
			return
		}
		names := make([]string, 0, len(statuses))
		for name := range statuses {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			logger.Infof("Unit %s: %s", name, statuses[name])
		}
	}

	logger.Infof("Done")
}
