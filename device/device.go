// Package device answers compute-capability queries for accelerator devices.
// The backend uses the capability identifier to pick the model artifact
// variant compiled for that device generation.
package device

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Querier resolves a device index to its compute-capability identifier, e.g.
// "8.6". A query failure is fatal for context creation.
type Querier interface {
	ComputeCapability(device int) (string, error)
}

// SMIQuerier queries capability through the nvidia-smi management tool, which
// keeps the backend free of cgo bindings to the driver library.
type SMIQuerier struct {
	// Command overrides the binary to execute. Empty means "nvidia-smi".
	Command string
}

func (q SMIQuerier) ComputeCapability(device int) (string, error) {
	command := q.Command
	if command == "" {
		command = "nvidia-smi"
	}
	out, err := exec.Command(command,
		"--query-gpu=compute_cap",
		"--format=csv,noheader",
		"-i", strconv.Itoa(device),
	).Output()
	if err != nil {
		return "", fmt.Errorf("querying compute capability of device %d: %w", device, err)
	}
	return ParseComputeCapability(string(out))
}

// ParseComputeCapability validates one line of nvidia-smi compute_cap output
// and returns it in "major.minor" form.
func ParseComputeCapability(out string) (string, error) {
	capability := strings.TrimSpace(out)
	major, minor, found := strings.Cut(capability, ".")
	if !found {
		return "", fmt.Errorf("malformed compute capability %q", capability)
	}
	if _, err := strconv.Atoi(major); err != nil {
		return "", fmt.Errorf("malformed compute capability %q", capability)
	}
	if _, err := strconv.Atoi(minor); err != nil {
		return "", fmt.Errorf("malformed compute capability %q", capability)
	}
	return major + "." + minor, nil
}

// Static is a fixed device-to-capability map, for tests and for deployments
// where capabilities are configured rather than probed.
type Static map[int]string

func (s Static) ComputeCapability(device int) (string, error) {
	capability, ok := s[device]
	if !ok {
		return "", fmt.Errorf("no capability known for device %d", device)
	}
	return capability, nil
}
