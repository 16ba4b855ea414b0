//go:build !linux

package reader

import (
	"context"

	"github.com/rs/zerolog"
)

// HID is unavailable on this platform.
type HID struct{}

func NewHID(zerolog.Logger) *HID { return &HID{} }

func (h *HID) Kind() Kind { return KindHID }

func (h *HID) Discover(context.Context) ([]Descriptor, error) {
	return nil, ErrUnsupported
}

func (h *HID) Connect(_ context.Context, desc Descriptor, _ Options) (Conn, error) {
	return nil, &ConnectionError{Device: desc.ID, Reason: ReasonUnsupported, Err: ErrUnsupported}
}
