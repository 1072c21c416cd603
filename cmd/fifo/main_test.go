package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mattjoyce/devserv/internal/devserv"
)

func TestUsageListsCapacityFlag(t *testing.T) {
	var stderr bytes.Buffer
	assert.Equal(t, 0, devserv.Main(driver(), []string{"-h"}, &stderr))
	assert.Contains(t, stderr.String(), "--capacity")
}
