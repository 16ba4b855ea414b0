//go:build !linux

package reader

import "io"

func dialRFCOMM(string, int) (io.ReadWriteCloser, error) {
	return nil, ErrUnsupported
}
