package config

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/docker/go-units"
)

var ErrInvalidSize = errors.New("invalid size")

// ParseMemorySize parses sizes such as "200M", "200 MB" or "1.5G" into
// bytes. Units are binary multiples, matching pm2. An empty string is 0.
func ParseMemorySize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidSize, s, err)
	}
	// RAMInBytes converts through float64, so out-of-range values wrap
	// negative or saturate.
	if n < 0 || n == math.MaxInt64 {
		return 0, fmt.Errorf("%w: %q overflows", ErrInvalidSize, s)
	}

	return uint64(n), nil
}
