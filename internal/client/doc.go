// Package client is the consumer side of the subscription protocol.
//
// A Manager owns one WebSocket connection, dialled lazily on the first Subscribe and
// shared by every subscription. A Monitor watches the manager's last-activity time and
// reconnects with backoff when the connection goes quiet. Strategy decides what a host
// should do after it was suspended in the background for a while.
package client
