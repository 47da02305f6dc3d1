package broadcast

import "github.com/miradorstack/mirador-risk/internal/models"

// Sink receives progress events. Implementations must not block.
type Sink interface {
	Publish(ev models.ProgressEvent)
}

// Fanout publishes every event to each sink in order.
type Fanout []Sink

// Publish implements Sink.
func (f Fanout) Publish(ev models.ProgressEvent) {
	for _, s := range f {
		if s != nil {
			s.Publish(ev)
		}
	}
}
