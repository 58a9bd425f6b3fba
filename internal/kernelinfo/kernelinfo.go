//go:build linux

// Package kernelinfo reports the running kernel version and whether it is
// new enough for SCTP auth support, for annotating --show-params output.
// Nothing is gated on the result.
package kernelinfo

import (
	"fmt"

	"github.com/docker/docker/pkg/parsers/kernel"
)

// Info is a resolved snapshot of the running kernel's capabilities
// relevant to this tool.
type Info struct {
	Version *kernel.VersionInfo

	// SupportsSCTPAuth reflects whether the kernel is new enough to carry
	// SCTP_AUTH_SUPPORTED (3.5+); informational only, printed under
	// --show-params.
	SupportsSCTPAuth bool
}

// minSCTPAuthVersion is the kernel version SCTP_AUTH_SUPPORTED became
// available; used purely to annotate --show-params output, same spirit as
// the teacher's tcpInfoSizes table gating tcp_info struct size by version.
var minSCTPAuthVersion = kernel.VersionInfo{Kernel: 3, Major: 5, Minor: 0}

// Detect resolves the running kernel's version and derived capability
// flags.
func Detect() (*Info, error) {
	v, err := kernel.GetKernelVersion()
	if err != nil {
		return nil, fmt.Errorf("kernelinfo: %w", err)
	}
	return &Info{
		Version:          v,
		SupportsSCTPAuth: kernel.CompareKernelVersion(*v, minSCTPAuthVersion) >= 0,
	}, nil
}

func (i *Info) String() string {
	if i.Version == nil {
		return "unknown"
	}
	return fmt.Sprintf("%d.%d.%d", i.Version.Kernel, i.Version.Major, i.Version.Minor)
}
