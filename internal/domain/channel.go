package domain

// ChannelName is the server-internal name of a broadcast channel. It is derived from an
// ordered list of streamables and never handed to clients directly.
type ChannelName string

func (c ChannelName) String() string { return string(c) }

// Streamable is implemented by domain values that contribute to a channel name.
// StreamKey must be stable for the lifetime of the value (e.g. "post/42").
type Streamable interface {
	StreamKey() string
}

// StreamKey is a literal Streamable, handy for tags like "posts" or "admin".
type StreamKey string

func (k StreamKey) StreamKey() string { return string(k) }
