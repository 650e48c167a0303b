/*
Package api serves the HTTP operations surface of every attune daemon.

	GET /health    liveness, 200 while the process serves
	GET /ready     component registry from pkg/metrics, 503 until every
	               critical component reports healthy
	GET /metrics   Prometheus exposition
	GET /status    broker only: the cluster health report, 503 when a
	               configured node is unresponsive

The broker passes its Health method as the StatusFunc so /status reads the
latest report without touching the broker loop:

	hs := api.NewHealthServer(version, b.Health)
	if err := hs.Start(cfg.Broker.HTTPAddr); err != nil {
		return err
	}
	defer hs.Shutdown(context.Background())

Responses are JSON. Only GET is accepted.
*/
package api
