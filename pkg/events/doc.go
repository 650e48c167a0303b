/*
Package events is an in-process pub/sub bus for broker and agent activity.

The broker publishes sample.stored and sample.rejected as data frames are
ingested, action.broadcast when a tuner action goes out, node.connected and
node.lost as agent streams come and go, and node.health whenever the health
report changes. Agents publish action.applied after running their
controllers.

	bus := events.NewBus()
	bus.Start()
	defer bus.Stop()

	sub := bus.Subscribe(events.EventNodeHealth)
	go func() {
		for ev := range sub {
			fmt.Println(ev.Message)
		}
	}()

Publish never blocks. Events are dropped when the bus queue is full or when
a subscriber's own buffer is full, so the control loop keeps its timing even
with a stuck consumer. Stop closes every subscriber channel.
*/
package events
