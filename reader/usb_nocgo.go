//go:build !cgo

package reader

import (
	"context"

	"github.com/rs/zerolog"
)

// USB needs libusb through cgo; without it the transport reports unsupported.
type USB struct{}

func NewUSB(zerolog.Logger) *USB { return &USB{} }

func (u *USB) Kind() Kind { return KindUSB }

func (u *USB) Discover(context.Context) ([]Descriptor, error) {
	return nil, ErrUnsupported
}

func (u *USB) Connect(_ context.Context, desc Descriptor, _ Options) (Conn, error) {
	return nil, &ConnectionError{Device: desc.ID, Reason: ReasonUnsupported, Err: ErrUnsupported}
}
