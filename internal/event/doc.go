/*
Package event carries session lifecycle notifications between the session
layer and its observers (the /global/event stream, debug logging, tests).

# Event Types

  - session.created, session.attached, session.detached
  - session.disconnected: last live connection gone, grace timer armed
  - session.reconnected, session.terminated
  - event.dropped: a request-scoped event whose channel had no connection
  - event.redirected: a broadcast-eligible event moved to the broadcast channel
  - replay.gap: a reconnect asked for events that were already evicted
  - request.completed: a request channel delivered its response

# Usage

	bus := event.NewBus()
	defer bus.Close()

	unsubscribe := bus.Subscribe(event.SessionTerminated, func(e event.Event) {
		log.Info().Str("session", e.SessionID).Msg("terminated")
	})
	defer unsubscribe()

	bus.Publish(event.Event{Type: event.SessionTerminated, SessionID: id})

Publish encodes the event as JSON and publishes it on Topic of a watermill
GoChannel. One dispatcher goroutine consumes the topic and calls the
subscribers, so every subscriber observes events in publish order.

# Subscriber Rules

Subscribers run on the dispatcher goroutine. They must return quickly, must
not call Publish or Close, and should hand work off with a non-blocking send:

	bus.SubscribeAll(func(e event.Event) {
		select {
		case ch <- e:
		default:
		}
	})
*/
package event
