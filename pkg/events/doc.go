/*
Package events provides an in-memory, non-blocking pub/sub broker for bus
lifecycle notifications.

A Broker fans out Event values to any number of subscribers. The Supervisor
publishes task claimed and task closed events; the other event types
(delivered, superseded, cooldown set, digest forwarded, observer poll) are
defined but nothing in this module publishes them, and no component
subscribes. Publish never blocks on a slow subscriber: a full subscriber
channel simply skips that event. This is a convenience layer over the
filesystem: the bus root remains the source of truth, and subscribers are
not meant for any correctness-relevant decision.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	go func() {
		for ev := range sub {
			fmt.Println(ev.Type, ev.Message)
		}
	}()

	broker.Publish(&events.Event{Type: events.EventTaskClosed, Message: "t1 done"})
*/
package events
