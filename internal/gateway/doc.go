// Package gateway implements the WebSocket subscription gateway.
//
// The Hub owns the subscription table using the actor pattern: one goroutine and a command
// channel, no mutexes. Each connection gets its own writer goroutine so a slow client never
// blocks fan-out; a client whose buffer is full is evicted. The Handler runs the read side:
// it verifies signed stream tokens and asks the Hub to attach or detach subscriptions.
package gateway
