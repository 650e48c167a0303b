/*
Package log provides structured logging for attune using zerolog.

The log package wraps zerolog with a package-level Logger, component-scoped
child loggers and an optional buffered file Sink. Every long-running loop in
attune (broker, agent, tuner) flushes the sink at a defined checkpoint, so the
file on disk is never more than one loop iteration behind.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - zerolog instance, set by log.Init()      │          │
	│  │  - console (RFC3339) or JSON on Output      │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │ MultiLevelWriter                     │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │               Sink                          │          │
	│  │  - bufio.Writer over an append-mode file    │          │
	│  │  - Flush() at loop checkpoints              │          │
	│  │  - Close() at shutdown                      │          │
	│  └────────────────────────────────────────────┘          │
	└────────────────────────────────────────────────────────┘

Flush checkpoints:
  - Agent: after every tick is sent
  - Broker: when the health string changes, and on stop
  - Tuner: after every action step, and on stop

# Usage

	sink, err := log.OpenSink("/var/log/attune/broker.log")
	if err != nil {
		return err
	}
	defer sink.Close()

	log.Init(log.Config{Level: log.InfoLevel, Sink: sink})

	logger := log.WithComponent("broker")
	logger.Info().Str("addr", ":9123").Msg("broker listening")

	log.Flush()

Without a sink, Flush is a no-op and records go straight to Output.

# Context Loggers

  - WithComponent: adds component=<name>
  - WithNodeID: adds node_id=<id>
*/
package log
