/*
Package client lets processes that are not nodes talk to the broker.

The tuner uses PublishAction to inject actions, and the CLI uses Status to
print the broker's health report:

	c := client.New(client.Config{BrokerAddr: "broker:9123"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.PublishAction(ctx, types.Action{ID: 3, Values: []float64{9, 12345}}); err != nil {
		return err
	}
	report, err := c.Status(ctx)

Each call opens a fresh stream under the identity "publisher-<uuid>" and
closes it before returning. Nothing is shared with the broker loop or
between calls. Publisher identities are never numeric, so the broker never
mistakes a publisher for a node or broadcasts to it.
*/
package client
