//go:build !cuda

package backend

import (
	"errors"

	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/logger"
)

const cudaEnabled = false

var errCUDAUnavailable = errors.New("cuda backend is not available in this build")

func newCUDA(device.Config, logger.Logger) (device.Backend, error) {
	return nil, errCUDAUnavailable
}
