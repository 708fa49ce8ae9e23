package transport

import (
	"sync"

	"github.com/RenatoCabral2022/voicelink/internal/datachannel"
)

// Observer receives transport notifications. Events arrive in channel
// order, each at most once. Callbacks run on transport goroutines and must
// not block for long.
type Observer interface {
	OnEvent(ev datachannel.Event)
	OnStateChange(s State)
	OnError(err *Error)
}

// ObserverFuncs adapts plain functions; nil fields are skipped.
type ObserverFuncs struct {
	Event       func(datachannel.Event)
	StateChange func(State)
	Error       func(*Error)
}

func (f ObserverFuncs) OnEvent(ev datachannel.Event) {
	if f.Event != nil {
		f.Event(ev)
	}
}

func (f ObserverFuncs) OnStateChange(s State) {
	if f.StateChange != nil {
		f.StateChange(s)
	}
}

func (f ObserverFuncs) OnError(err *Error) {
	if f.Error != nil {
		f.Error(err)
	}
}

type subscription struct {
	id  uint64
	obs Observer
}

type observers struct {
	mu   sync.RWMutex
	next uint64
	subs []subscription
}

func (o *observers) add(obs Observer) func() {
	o.mu.Lock()
	o.next++
	id := o.next
	o.subs = append(o.subs, subscription{id: id, obs: obs})
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			for i, s := range o.subs {
				if s.id == id {
					o.subs = append(o.subs[:i:i], o.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (o *observers) snapshot() []Observer {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Observer, len(o.subs))
	for i, s := range o.subs {
		out[i] = s.obs
	}
	return out
}

func (o *observers) event(ev datachannel.Event) {
	for _, obs := range o.snapshot() {
		obs.OnEvent(ev)
	}
}

func (o *observers) stateChanged(s State) {
	for _, obs := range o.snapshot() {
		obs.OnStateChange(s)
	}
}

func (o *observers) errored(err *Error) {
	for _, obs := range o.snapshot() {
		obs.OnError(err)
	}
}
