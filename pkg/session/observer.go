package session

import (
	"auteur/pkg/logx"
	"auteur/pkg/proto"
)

// Observer receives every event a session records. Observe is called on the
// handler goroutine and must not block.
type Observer interface {
	Observe(e proto.Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(e proto.Event)

// Observe calls f.
func (f ObserverFunc) Observe(e proto.Event) { f(e) }

type observers []Observer

// notify isolates observers from each other: a panicking observer is logged
// and skipped.
func (o observers) notify(logger *logx.Logger, e proto.Event) {
	for _, obs := range o {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Observer panicked on %s event: %v", e.Kind, r)
				}
			}()
			obs.Observe(e)
		}()
	}
}
