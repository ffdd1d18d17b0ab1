/*
Package event provides the typed notification channel of the gatekeeper.

A Bus is constructed once at startup and handed to every component that
publishes; there is no package level bus.

# Event Types

Session Events:
  - session.added: governed connection registered
  - session.updated: mode or activity changed
  - session.closed: connection torn down

Ticket Events:
  - ticket.created: batch submitted for review
  - ticket.updated: ticket approved or rejected
  - ticket.removed: resolved ticket expired after the grace delay

Terminal Events:
  - terminal.output: chunk of destination output

# Usage

	bus := event.NewBus()
	defer bus.Close()

	unsubscribe := bus.Subscribe(event.TicketCreated, func(e event.Event) {
		data := e.Data.(event.TicketData)
		logging.Info().Str("ticket", data.Info.ID).Msg("ticket created")
	})
	defer unsubscribe()

	bus.Publish(event.Event{Type: event.TicketCreated, Data: event.TicketData{Info: t}})

Publish never waits for subscribers. Subscribers called through PublishSync
run on the publisher's goroutine and must not publish themselves.

# Streams

Every event is also encoded as JSON and published on the watermill gochannel
topic Topic by a single pump goroutine, so Stream readers see events in
publish order. The dashboard SSE and websocket endpoints read from Stream.
*/
package event
