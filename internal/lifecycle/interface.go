package lifecycle

import (
	"context"

	"github.com/mattjoyce/devserv/internal/kserv"
	"github.com/mattjoyce/devserv/internal/vfs"
)

//go:generate mockgen -destination=mocks/mock_lifecycle.go -package=mocks github.com/mattjoyce/devserv/internal/lifecycle Mounter,Registry,Server

// Mounter attaches and detaches the driver's entry in the mount table.
type Mounter interface {
	Mount(ctx context.Context, req vfs.MountRequest) (uint32, error)
	Unmount(ctx context.Context, handle uint32) error
}

// Registry advertises the driver and blocks until it may serve.
type Registry interface {
	Register(ctx context.Context, svc kserv.Service) error
	WaitReady(ctx context.Context) error
}

// Server runs the blocking serve loop until ctx ends or the transport fails.
type Server interface {
	Serve(ctx context.Context) error
}
