/*
Package protocol implements the attune wire frame.

Every message between agents, the broker and publishers is one Frame:

	┌─────────┬──────────────┬───────────────────────────────────────┐
	│ tag (1) │ size varint* │ body (protowire fields, maybe packed) │
	└─────────┴──────────────┴───────────────────────────────────────┘
	  * size is present only when the tag is lz4 or zstd

Body fields:

	1 version    varint   protocol Version (1)
	2 timestamp  fixed64  sender clock, fractional unix seconds
	3 kind       varint   0 data, 1 command
	4 command    varint   1 STATUS, 2 ACTION, 3 HB
	5 action_id  zigzag   ACTION only
	6 values     packed   fixed64 doubles; length prefix is the count
	7 text       bytes    STATUS replies only

Data frames carry one tick of collector output in values. ACTION frames carry
the action id and the current control-variable values, which a controller
sees as [action_id, values...].

A Codec compresses with its configured tag and falls back to no compression
when the body does not shrink, which is the common case for heartbeats. It
decodes all tags. Decoding failures wrap ErrProtocol; frames from a
different protocol version fail with ErrVersionMismatch. Receivers log and
drop such frames and keep running.
*/
package protocol
