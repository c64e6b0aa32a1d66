// Package stream derives channel names from streamables and signs them for clients.
//
// Names are deterministic joins of stable tokens. Signed tokens are HS256 JWTs whose only
// trusted content is the channel name; verification fails closed.
package stream
