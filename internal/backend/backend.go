// Package backend selects the device backend implementation by name at
// process start.
package backend

import (
	"fmt"
	"strings"

	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/device/cpu"
	"github.com/samcharles93/strata/internal/logger"
)

const (
	CPU  = "cpu"
	CUDA = "cuda"
	Auto = "auto"
)

func Normalize(name string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(name))
	if backend == "" {
		return Auto, nil
	}
	switch backend {
	case CPU, CUDA, Auto:
		return backend, nil
	default:
		return "", fmt.Errorf("unknown backend %q (expected auto, cpu, or cuda)", backend)
	}
}

// Resolve maps auto to the best backend compiled into this build.
func Resolve(name string) (string, error) {
	backend, err := Normalize(name)
	if err != nil {
		return "", err
	}
	if backend == Auto {
		return compiled()[0], nil
	}
	if !Has(backend) {
		return "", fmt.Errorf("%s backend is not available in this build (available: %s)", backend, Available())
	}
	return backend, nil
}

// Open constructs the named backend with its own configuration.
func Open(name string, cfg device.Config, log logger.Logger) (device.Backend, error) {
	backend, err := Resolve(name)
	if err != nil {
		return nil, err
	}
	switch backend {
	case CUDA:
		return newCUDA(cfg, log)
	default:
		b, err := cpu.New(cfg, log)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}
