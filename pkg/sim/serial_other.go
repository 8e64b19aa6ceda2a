//go:build !linux

package sim

import (
	"errors"
	"os"
)

// OpenSerial 仅在 Linux 上支持
func OpenSerial(path string, baudRate int) (*os.File, error) {
	return nil, errors.New("serial SIM access is only supported on linux")
}
