//go:build !linux

package trigger

// Trigger is a stub for non-linux platforms.
type Trigger struct {
	state
}

// New returns an error on non-linux platforms.
func New(cfg Config, handler Handler) (*Trigger, error) {
	if cfg.Pin == 0 {
		return nil, nil
	}
	return nil, ErrNotSupported
}

func (t *Trigger) Release() error { return nil }
