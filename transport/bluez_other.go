//go:build !linux

package transport

import "fmt"

// NewBluezTransport is only available on Linux.
func NewBluezTransport(RetryPolicy) (Transport, error) {
	return nil, fmt.Errorf("%w: BlueZ requires linux", ErrTransport)
}
