package gradio

import (
	"encoding/json"
	"strings"
)

// EventKind classifies one poll response body
type EventKind int

const (
	EventUnrecognized EventKind = iota
	EventComplete
	EventError
	EventHeartbeat
)

func (k EventKind) String() string {
	switch k {
	case EventComplete:
		return "complete"
	case EventError:
		return "error"
	case EventHeartbeat:
		return "heartbeat"
	default:
		return "unrecognized"
	}
}

const (
	markerComplete  = "event: complete"
	markerError     = "event: error"
	markerHeartbeat = "event: heartbeat"
	dataPrefix      = "data:"

	processingFailedMessage = "processing failed on server"
)

// PollEvent is the parsed form of a poll response.
// Result is set only for EventComplete, Message only for EventError.
type PollEvent struct {
	Kind    EventKind
	Result  string
	Message string
	Detail  string // raw data of an error event, for logs
}

// ParsePollEvent inspects a pseudo-SSE poll body. Terminal markers win over
// heartbeats, and complete wins over error. With no extractors the default
// chain is used.
func ParsePollEvent(body string, extractors ...Extractor) PollEvent {
	if len(extractors) == 0 {
		extractors = DefaultExtractors
	}

	if idx := strings.Index(body, markerComplete); idx >= 0 {
		data, ok := dataAfter(body[idx+len(markerComplete):])
		if !ok {
			return PollEvent{Kind: EventError, Message: "complete event carried no data"}
		}
		var values []json.RawMessage
		if err := json.Unmarshal([]byte(data), &values); err != nil || len(values) == 0 {
			return PollEvent{Kind: EventError, Message: "complete event data is not a non-empty array", Detail: data}
		}
		result, ok := extract(values[0], extractors)
		if !ok {
			return PollEvent{Kind: EventError, Message: "complete event carried no usable result", Detail: data}
		}
		return PollEvent{Kind: EventComplete, Result: result}
	}

	if idx := strings.Index(body, markerError); idx >= 0 {
		detail, _ := dataAfter(body[idx+len(markerError):])
		return PollEvent{Kind: EventError, Message: processingFailedMessage, Detail: detail}
	}

	if strings.Contains(body, markerHeartbeat) {
		return PollEvent{Kind: EventHeartbeat}
	}

	return PollEvent{Kind: EventUnrecognized}
}

// dataAfter returns the payload of the first data line in s.
func dataAfter(s string) (string, bool) {
	idx := strings.Index(s, dataPrefix)
	if idx < 0 {
		return "", false
	}
	line := s[idx+len(dataPrefix):]
	if nl := strings.IndexByte(line, '\n'); nl >= 0 {
		line = line[:nl]
	}
	line = strings.TrimSpace(line)
	return line, line != ""
}
