package domain

import (
	"context"
)

// Orchestrator states reported by Status
const (
	StatusNotStarted = "not_started"
	StatusStarted    = "started"
)

// Contract is what the control service exposes of a running orchestrator
type Contract interface {
	Status(ctx context.Context) (string, error)
	ActiveUnits(ctx context.Context) ([]string, error)
	UnitStatuses(ctx context.Context) (map[string]string, error)
	Navigate(ctx context.Context, href string) ([]string, error)
	Unload(ctx context.Context, name string, waitForUnmount bool) error
}
