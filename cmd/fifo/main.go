// Command fifo serves a bounded byte pipe.
//
//	fifo [--capacity bytes] <device-name> <index> <mount-point> <mode>
package main

import (
	"os"

	"github.com/spf13/pflag"

	"github.com/mattjoyce/devserv/internal/device"
	"github.com/mattjoyce/devserv/internal/devserv"
	"github.com/mattjoyce/devserv/internal/drivers/fifo"
)

func main() {
	os.Exit(devserv.Main(driver(), os.Args[1:], os.Stderr))
}

func driver() devserv.Driver {
	return devserv.Driver{
		Name: "fifo",
		Flags: func(fs *pflag.FlagSet) func(string) *device.Device {
			capacity := fs.Int("capacity", fifo.DefaultCapacity, "Pipe capacity in bytes")
			return func(name string) *device.Device {
				return fifo.New(*capacity).Device(name)
			}
		},
	}
}
