// Package broadcast publishes change events to channels.
//
// A Broadcaster turns an ordered list of streamables into a channel name, wraps the payload
// in an envelope and hands it to a transport. Publishes can run synchronously, be coalesced
// through a debouncer, or be deferred to the job queue where failures are retried and
// finally reported instead of returned.
package broadcast
