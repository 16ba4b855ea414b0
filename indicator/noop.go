package indicator

// Noop implements Indicator but does nothing.
// Used when no indicators are configured.
type Noop struct{}

func (n *Noop) Idle()                 {}
func (n *Noop) Connected()            {}
func (n *Noop) Reading()              {}
func (n *Noop) TagRead(resolved bool) {}
func (n *Noop) Fault()                {}
func (n *Noop) Shutdown()             {}
func (n *Noop) Release() error        { return nil }
