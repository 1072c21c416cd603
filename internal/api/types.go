package api

import (
	"github.com/mattjoyce/devserv/internal/kserv"
	"github.com/mattjoyce/devserv/internal/lifecycle"
	"github.com/mattjoyce/devserv/internal/vfs"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string          `json:"status"`
	Device        string          `json:"device"`
	Index         uint32          `json:"index"`
	State         lifecycle.State `json:"state"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Requests      int64           `json:"requests"`
}

// MountsResponse is returned by GET /mounts.
type MountsResponse struct {
	Mounts []vfs.Mount `json:"mounts"`
}

// ServicesResponse is returned by GET /services.
type ServicesResponse struct {
	Services []kserv.Record `json:"services"`
}

// LifecycleResponse is returned by GET /lifecycle.
type LifecycleResponse struct {
	State       lifecycle.State        `json:"state"`
	Transitions []lifecycle.Transition `json:"transitions"`
}
