// Package conn owns the wire-level connection to a Redis server: the
// TCP/TLS transport, the command dispatcher with its FIFO pipeline
// queue, and the dedicated pub/sub channel.
//
// A Conn carries exactly one logical command stream. Replies are
// resolved to requests strictly in submission order, which is the
// correctness contract Redis pipelining depends on. Pub/sub never
// shares a socket with the command path because an in-flight
// subscription changes the meaning of every subsequent frame; PubSub
// lazily opens its own connection on first Subscribe and tears it down
// when the subscription set empties.
package conn
