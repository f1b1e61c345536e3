package config

import (
	"errors"
	"fmt"
)

// Construction-time error classes. Callers match them with errors.Is; the
// wrapped message carries the offending field.
var (
	// ErrConfig marks malformed or semantically invalid configuration.
	ErrConfig = errors.New("flowlenia: invalid config")

	// ErrSeed marks a seed that does not fit the configuration.
	ErrSeed = errors.New("flowlenia: invalid seed")
)

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

func seedErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSeed, fmt.Sprintf(format, args...))
}
