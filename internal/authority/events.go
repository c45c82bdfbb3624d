package authority

// EventName identifies an admission notification.
type EventName string

const (
	EventRegistered   EventName = "registered"
	EventUnregistered EventName = "unregistered"
	// EventDenied lets UIs show "slot unavailable" or downgrade quality.
	EventDenied EventName = "denied"
)

// Event is delivered to subscribers after the authority state changed.
type Event struct {
	Name EventName
	Registration
}

// Subscribe registers fn for every future event and returns a disposer that
// removes it. The disposer is safe to call more than once. fn runs on the
// goroutine that caused the event and must not block.
func (a *Authority) Subscribe(fn func(Event)) func() {
	a.mu.Lock()
	a.nextSub++
	id := a.nextSub
	a.subs[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.subs, id)
		a.mu.Unlock()
	}
}

func (a *Authority) subscribersLocked() []func(Event) {
	if len(a.subs) == 0 {
		return nil
	}
	out := make([]func(Event), 0, len(a.subs))
	for _, fn := range a.subs {
		out = append(out, fn)
	}
	return out
}

func notify(subs []func(Event), e Event) {
	for _, fn := range subs {
		fn(e)
	}
}
