package device_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/knights-analytics/onnxbackend/device"
)

func TestParseComputeCapability(t *testing.T) {
	tests := []struct {
		name     string
		out      string
		expected string
		valid    bool
	}{
		{name: "plain", out: "8.6", expected: "8.6", valid: true},
		{name: "trailing newline", out: "7.5\n", expected: "7.5", valid: true},
		{name: "surrounding whitespace", out: "  9.0  ", expected: "9.0", valid: true},
		{name: "missing minor", out: "8", valid: false},
		{name: "empty", out: "", valid: false},
		{name: "not numeric", out: "ampere", valid: false},
		{name: "garbage minor", out: "8.x", valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			capability, err := device.ParseComputeCapability(tt.out)
			if tt.valid {
				assert.NoError(t, err)
				assert.Equal(t, tt.expected, capability)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestStaticQuerier(t *testing.T) {
	querier := device.Static{0: "8.6", 1: "7.5"}

	capability, err := querier.ComputeCapability(0)
	assert.NoError(t, err)
	assert.Equal(t, "8.6", capability)

	_, err = querier.ComputeCapability(3)
	assert.Error(t, err)
}

func TestSMIQuerierMissingBinary(t *testing.T) {
	querier := device.SMIQuerier{Command: "definitely-not-a-real-binary"}
	_, err := querier.ComputeCapability(0)
	assert.Error(t, err)
}
