//go:build cuda

package backend

import (
	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/device/cuda"
	"github.com/samcharles93/strata/internal/logger"
)

const cudaEnabled = true

func newCUDA(cfg device.Config, log logger.Logger) (device.Backend, error) {
	b, err := cuda.New(cfg, log)
	if err != nil {
		return nil, err
	}
	return b, nil
}
