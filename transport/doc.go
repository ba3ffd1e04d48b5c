// Package transport provides core.Transport implementations and the frame
// encoder producers use to speak the stream protocol.
//
// Frames are server-sent-event style: one or more "data:" lines terminated
// by a blank line. Payloads are JSON objects such as
//
//	data: {"type":"chunk","sequenceId":0,"content":"Hel"}
//
//	data: {"type":"complete"}
//
// HTTPTransport posts a run to a remote producer and streams the response
// body. PipeTransport runs a producer function in-process, which is how the
// provider bridges in the openai and anthropic subpackages are built.
package transport
