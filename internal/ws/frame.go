package ws

import "time"

const (
	TypeSystem        = "system"
	TypeUser          = "user"
	TypeHeartbeatPing = "heartbeat_ping"
	TypeHeartbeatPong = "heartbeat_pong"
	TypeStreamStart   = "stream_start"
	TypeStreamChunk   = "stream_chunk"
	TypeStreamEnd     = "stream_end"
	TypeError         = "error"
)

// Frame is the JSON text message exchanged in both directions.
type Frame struct {
	Type      string  `json:"type"`
	Content   string  `json:"content,omitempty"`
	StreamID  string  `json:"stream_id,omitempty"`
	Timestamp float64 `json:"timestamp,omitempty"` // unix seconds
	Message   string  `json:"message,omitempty"`
}

func errorFrame(msg string) Frame {
	return Frame{Type: TypeError, Content: msg}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
