package config

import (
	"net"
	"strconv"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/lifecycle"
)

// ValidateUnitName validates unit name format and constraints
func ValidateUnitName(name string) error {
	if name == "" {
		return errors.NewValidationError("unit name cannot be empty", nil)
	}

	if len(name) > 64 {
		return errors.NewValidationError("unit name cannot exceed 64 characters", nil)
	}

	for _, char := range name {
		if !isValidNameChar(char) {
			return errors.NewValidationError("unit name contains invalid characters: only letters, numbers, hyphens, underscores and '@', '/', '.' are allowed", nil)
		}
	}

	return nil
}

// ValidatePort validates port number
func ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return errors.NewValidationError("port must be between 1 and 65535", nil).WithContext("port", port)
	}
	return nil
}

// ValidateNetworkAddress validates network address format
func ValidateNetworkAddress(address string) error {
	if address == "" {
		return errors.NewValidationError("network address cannot be empty", nil)
	}

	// Try to parse as host:port
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return errors.NewValidationError("invalid network address format: "+address, err)
	}

	if host == "" {
		return errors.NewValidationError("host cannot be empty in address: "+address, nil)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return errors.NewValidationError("invalid port in address: "+address, err)
	}

	if err := ValidatePort(port); err != nil {
		return errors.NewValidationError("invalid port in address: "+address, err)
	}

	return nil
}

// ValidateLogLevel validates a log level name
func ValidateLogLevel(level string) error {
	switch level {
	case "", "debug", "info", "warn", "error":
		return nil
	default:
		return errors.NewValidationError("invalid log level: "+level, nil).WithContext("valid_levels", "debug, info, warn, error")
	}
}

// ValidateTimeouts validates every phase policy
func ValidateTimeouts(timeouts lifecycle.Timeouts) error {
	for _, phase := range []lifecycle.Phase{lifecycle.PhaseBootstrap, lifecycle.PhaseMount, lifecycle.PhaseUnmount, lifecycle.PhaseUnload} {
		timeout := timeouts.For(phase)
		if timeout.Limit < 0 {
			return errors.NewValidationError(string(phase)+" timeout limit cannot be negative", nil)
		}
		if timeout.Warning < 0 {
			return errors.NewValidationError(string(phase)+" timeout warning cannot be negative", nil)
		}
		if timeout.DieOnTimeout && timeout.Limit == 0 {
			return errors.NewValidationError(string(phase)+" timeout must set a limit to die on timeout", nil)
		}
	}
	return nil
}

// Helper function to check if character is valid for a unit name
func isValidNameChar(char rune) bool {
	return (char >= 'a' && char <= 'z') ||
		(char >= 'A' && char <= 'Z') ||
		(char >= '0' && char <= '9') ||
		char == '-' || char == '_' || char == '@' || char == '/' || char == '.'
}
