// Package bridge moves UDP datagrams between a socket and bounded queues.
//
// A bridge runs two independent workers:
//   - the outbound pump dequeues (payload, destination) pairs and writes them to
//     the socket, completing partial writes before moving to the next datagram
//   - the inbound pump reads datagrams from the socket into a fresh 1500-byte
//     buffer and enqueues (payload, source) pairs for protocol logic
//
// Protocol code never touches the socket. It holds a *Sender for the outbound
// queue and a *Receiver for the inbound queue. Both queues have a fixed
// capacity; a full queue blocks its producer, which is the only flow control
// the bridge applies.
//
// # Lifecycle
//
// Workers run until their queue endpoint is permanently closed:
//   - the outbound pump exits once every Sender has been closed and the queue
//     has been drained
//   - the inbound pump exits the next time it tries to enqueue after the
//     Receiver has been closed, or when the socket itself reports net.ErrClosed
//
// An exiting worker closes its own queue endpoint, so producers on a dead
// outbound pump get ErrClosed rather than blocking. A worker blocked inside a
// socket call only notices closure on its next loop iteration. There are no timeouts inside the workers; callers that need them
// pass a context with a deadline to Send and Recv.
//
// # Errors
//
// Transport errors are logged and absorbed per datagram. Delivery is best
// effort: callers that need confirmation must acknowledge at a higher layer.
// Using a closed handle returns ErrClosed.
package bridge
