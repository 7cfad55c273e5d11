package emit

// NullEmitter implements Emitter by discarding all events.
//
// Used when prompt logging is disabled; the pipeline can always emit
// without nil checks.
type NullEmitter struct{}

// NewNullEmitter creates a NullEmitter.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

// Emit discards the event.
func (n *NullEmitter) Emit(Event) {}
