package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration marks a topology that cannot be built.
	ErrConfiguration = errors.New("pipeline configuration error")
	// ErrJoinTimeout is returned by Join when pools are still running as its context ends,
	// which usually means too few stop tokens were enqueued.
	ErrJoinTimeout = errors.New("pipeline join timed out")
)

// ConfigError lists every problem found while validating a topology.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", ErrConfiguration, strings.Join(e.Problems, "; "))
}

// Is lets errors.Is match ErrConfiguration.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

func configErrorf(format string, args ...any) *ConfigError {
	return &ConfigError{Problems: []string{fmt.Sprintf(format, args...)}}
}
