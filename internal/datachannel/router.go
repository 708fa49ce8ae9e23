package datachannel

// Handler processes one event type.
type Handler func(ev Event) error

// Router dispatches parsed events to registered handlers. Register handlers
// before the first Dispatch; the handler map is not guarded.
type Router struct {
	handlers map[string]Handler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Register adds a handler for one or more event types.
func (r *Router) Register(h Handler, types ...string) {
	for _, t := range types {
		r.handlers[t] = h
	}
}

// Dispatch routes ev to its handler. Unhandled types are ignored.
func (r *Router) Dispatch(ev Event) (handled bool, err error) {
	h, ok := r.handlers[ev.Type]
	if !ok {
		return false, nil
	}
	return true, h(ev)
}
