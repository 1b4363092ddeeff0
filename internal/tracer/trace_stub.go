//go:build !linux

// Non-Linux builds have no eBPF support; New returns an error.
package tracer

import "errors"

// LinuxTracer does not exist on this platform; New reports that instead
// of letting callers type-assert against a missing type.
func New() (Tracer, error) {
	return nil, errors.New("tracer: eBPF tracing requires linux")
}
