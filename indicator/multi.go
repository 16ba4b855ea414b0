package indicator

// Multi combines multiple Indicator implementations.
type Multi struct {
	indicators []Indicator
}

// NewMulti combines indicators.
func NewMulti(indicators ...Indicator) *Multi {
	return &Multi{indicators: indicators}
}

// Idle implements Indicator.Idle.
func (m *Multi) Idle() {
	for _, ind := range m.indicators {
		ind.Idle()
	}
}

// Connected implements Indicator.Connected.
func (m *Multi) Connected() {
	for _, ind := range m.indicators {
		ind.Connected()
	}
}

// Reading implements Indicator.Reading.
func (m *Multi) Reading() {
	for _, ind := range m.indicators {
		ind.Reading()
	}
}

// TagRead implements Indicator.TagRead.
func (m *Multi) TagRead(resolved bool) {
	for _, ind := range m.indicators {
		ind.TagRead(resolved)
	}
}

// Fault implements Indicator.Fault.
func (m *Multi) Fault() {
	for _, ind := range m.indicators {
		ind.Fault()
	}
}

// Shutdown implements Indicator.Shutdown.
func (m *Multi) Shutdown() {
	for _, ind := range m.indicators {
		ind.Shutdown()
	}
}

// Release implements Indicator.Release.
func (m *Multi) Release() error {
	var lastErr error
	for _, ind := range m.indicators {
		if err := ind.Release(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
