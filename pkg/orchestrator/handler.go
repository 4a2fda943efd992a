package orchestrator

import (
	"context"

	"github.com/core-tools/hsu-orchestrator/pkg/domain"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
)

// NewControlHandler exposes o through the control contract
func NewControlHandler(o *Orchestrator, logger logging.Logger) domain.Contract {
	return &controlHandler{
		orchestrator: o,
		logger:       logger,
	}
}

type controlHandler struct {
	orchestrator *Orchestrator
	logger       logging.Logger
}

func (h *controlHandler) Status(ctx context.Context) (string, error) {
	if h.orchestrator.IsStarted() {
		return domain.StatusStarted, nil
	}
	return domain.StatusNotStarted, nil
}

func (h *controlHandler) ActiveUnits(ctx context.Context) ([]string, error) {
	return h.orchestrator.ListActiveNames(), nil
}

func (h *controlHandler) UnitStatuses(ctx context.Context) (map[string]string, error) {
	units := h.orchestrator.Units()
	statuses := make(map[string]string, len(units))
	for _, unit := range units {
		statuses[unit.Name] = string(unit.Status)
	}
	return statuses, nil
}

func (h *controlHandler) Navigate(ctx context.Context, href string) ([]string, error) {
	h.logger.Infof("Navigate requested, href: %s", href)
	return h.orchestrator.Navigate(ctx, href)
}

func (h *controlHandler) Unload(ctx context.Context, name string, waitForUnmount bool) error {
	h.logger.Infof("Unload requested, unit: %s, wait for unmount: %t", name, waitForUnmount)
	return h.orchestrator.Unload(ctx, name, waitForUnmount)
}
