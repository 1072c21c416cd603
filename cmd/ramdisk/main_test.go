package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mattjoyce/devserv/internal/devserv"
)

func TestUsageListsSizeFlag(t *testing.T) {
	var stderr bytes.Buffer
	assert.Equal(t, 0, devserv.Main(driver(), []string{"--help"}, &stderr))
	assert.Contains(t, stderr.String(), "--size")
	assert.Contains(t, stderr.String(), "<device-name> <index> <mount-point> <mode>")
}

func TestMissingArguments(t *testing.T) {
	var stderr bytes.Buffer
	assert.Equal(t, 1, devserv.Main(driver(), []string{"--size", "1024", "ramdisk", "0"}, &stderr))
	assert.Contains(t, stderr.String(), "driver:ramdisk")
}
