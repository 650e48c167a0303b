/*
Package types defines the core data structures shared across attune.

# Domain Model

	Node          integer id + role (client produces PIs, server does not)
	Sample        (node_id, ts, payload) one PI vector per node per tick
	ActionRecord  (ts, action) an action the broker persisted
	Action        action id + current control-variable values
	CPV           bounded control variable (name, initial, min, max, step)

Timestamps on persisted rows are tick indices. TickOf converts fractional unix
seconds to a tick index for a given tick length; with the default 1s tick a
tick index equals the unix second.

# Payload Encoding

Sample payloads are stored as a versioned binary vector built from protobuf
wire primitives:

	field 1  varint   encoding version (PayloadVersion)
	field 2  bytes    packed fixed64 IEEE-754 doubles

The length prefix of field 2 is the explicit element count (len/8). Decoders
reject unknown versions instead of guessing at the layout, so a producer and
consumer built from different releases fail loudly rather than misread
fields.
*/
package types
