//go:build !linux

package driver

import (
	"fmt"
	"io"
	"runtime"
	"time"
)

func openSerial(path string, baud int, readTimeout time.Duration) (io.ReadWriteCloser, error) {
	return nil, fmt.Errorf("serial ports are not supported on %s", runtime.GOOS)
}

// Personal.AI order the ending
