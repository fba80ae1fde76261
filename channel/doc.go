/*
Package channel provides a duplex RPC channel between a scripting runtime and its native shell over a single byte stream, usually the runtime's stdin and stdout.

The same Channel plays both roles. As a client it allocates a sequence number for each outgoing request and waits for a "resolve" frame
echoing that number. As a server it routes every inbound method frame to a Handler and replies with a "resolve" frame carrying the
handler's result or error. Frames are encoded by package wire.

The protocol proceeds as follows:

1. Incoming bytes are reassembled into newline-delimited frames by a FrameReader, regardless of how reads are chunked.
2. A resolve frame completes the pending request with the same sequence number. Resolves for unknown sequence numbers are dropped.
3. A send, stdout or exit frame is passed to the NotificationHandler and never answered.
4. Any other frame is a method call. The Handler runs in its own goroutine so a slow handler never blocks the reader.

Writes are serialized so that frames are never interleaved. There is no cancellation message: a caller may stop waiting for a request,
but the other side is not told, and its eventual resolve is dropped.

A line that cannot be decoded is fatal, since continuing to parse a misaligned stream would corrupt every later correlation.
Serve returns the decode error and the channel is closed, rejecting every pending request with ErrChannelClosed.
*/
package channel
