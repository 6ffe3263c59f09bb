package conduit

// SinkWrapper splices one conduit on top of a sink.
type SinkWrapper func(SinkConduit) SinkConduit

// SourceWrapper splices one conduit on top of a source.
type SourceWrapper func(SourceConduit) SourceConduit

// SinkChain builds a sink stack from wrappers. Wrappers apply in the order
// added, so the last one added is outermost and sees writes first.
type SinkChain struct {
	wrappers []SinkWrapper
}

// Add appends w to the chain.
func (c *SinkChain) Add(w SinkWrapper) { c.wrappers = append(c.wrappers, w) }

// Len returns the number of wrappers.
func (c *SinkChain) Len() int { return len(c.wrappers) }

// Wrap applies every wrapper to base.
func (c *SinkChain) Wrap(base SinkConduit) SinkConduit {
	for _, w := range c.wrappers {
		base = w(base)
	}
	return base
}

// Factory returns a SinkFactory that wraps the sink made by base.
func (c *SinkChain) Factory(base SinkFactory) SinkFactory {
	return func() SinkConduit { return c.Wrap(base()) }
}

// SourceChain is the read-side counterpart of SinkChain.
type SourceChain struct {
	wrappers []SourceWrapper
}

// Add appends w to the chain.
func (c *SourceChain) Add(w SourceWrapper) { c.wrappers = append(c.wrappers, w) }

// Len returns the number of wrappers.
func (c *SourceChain) Len() int { return len(c.wrappers) }

// Wrap applies every wrapper to base.
func (c *SourceChain) Wrap(base SourceConduit) SourceConduit {
	for _, w := range c.wrappers {
		base = w(base)
	}
	return base
}

// WrapSink applies wrappers to base in order.
func WrapSink(base SinkConduit, wrappers ...SinkWrapper) SinkConduit {
	c := SinkChain{wrappers: wrappers}
	return c.Wrap(base)
}

// WrapSource applies wrappers to base in order.
func WrapSource(base SourceConduit, wrappers ...SourceWrapper) SourceConduit {
	c := SourceChain{wrappers: wrappers}
	return c.Wrap(base)
}
