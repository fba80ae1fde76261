/*
Package wire encodes and decodes the line-oriented frames exchanged between a scripting runtime and its native shell.

Every frame is a single line of UTF-8 text shaped like a URI:

	ipc://<command>?<urlencoded-query>

The command is the URI host. Query values are form-encoded, and every "+" produced by form encoding is rewritten to "%20"
so that consumers treating "+" literally still see a space. Structured values are JSON-encoded before form encoding,
so they travel as one opaque string field. A frame never contains a literal line terminator; producing one is an
EncodingError, never something the receiver has to cope with.

Reserved commands:

  - resolve completes a request. Fields: seq, state ("0" is success, anything else is failure), index, value.
  - send pushes an unsolicited event. Fields: event, index, value. No seq, never resolved.
  - exit is emitted once at process termination. Fields: index, seq, value (the exit code).
  - stdout carries console text from the runtime. Field: value (plain text, not JSON). No seq.

Every other command is a method name, and elicits exactly one resolve frame in reply.
*/
package wire
