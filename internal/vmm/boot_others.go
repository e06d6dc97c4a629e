//go:build !linux

package vmm

import (
	"context"

	"github.com/tinyrange/minikvm/internal/hv"
)

func Boot(ctx context.Context, cfg Config, image []byte, obs hv.IOObserver, opts ...Option) (Stats, error) {
	return Stats{}, hv.ErrHypervisorUnsupported
}
