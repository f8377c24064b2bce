package metrics

// Noop discards every measurement.
type Noop struct{}

func (Noop) RecordTicker(string)                {}
func (Noop) RecordRecompute(string, float64)    {}
func (Noop) RecordChangesPublished(string, int) {}
func (Noop) RecordError(string)                 {}
func (Noop) RecordRetry(string)                 {}
func (Noop) RecordLastPrice(string, float64)    {}
func (Noop) RecordEngineState(string)           {}
func (Noop) RecordLatency(string, float64)      {}
