// Command ramdisk serves a memory-backed block device.
//
//	ramdisk [--size bytes] <device-name> <index> <mount-point> <mode>
package main

import (
	"os"

	"github.com/spf13/pflag"

	"github.com/mattjoyce/devserv/internal/device"
	"github.com/mattjoyce/devserv/internal/devserv"
	"github.com/mattjoyce/devserv/internal/drivers/ramdisk"
)

func main() {
	os.Exit(devserv.Main(driver(), os.Args[1:], os.Stderr))
}

func driver() devserv.Driver {
	return devserv.Driver{
		Name: "ramdisk",
		Flags: func(fs *pflag.FlagSet) func(string) *device.Device {
			size := fs.Int("size", ramdisk.DefaultSize, "Disk size in bytes")
			return func(name string) *device.Device {
				return ramdisk.New(*size).Device(name)
			}
		},
	}
}
