// Package domain defines the core broadcast types and interfaces.
//
// Concept-oriented files (channel.go, envelope.go, errors.go, pubsub.go, ...) hold the shared
// value types and the cross-cutting interfaces implemented by adapters. Apart from envelope
// construction there is no implementation code here, just contracts.
package domain
