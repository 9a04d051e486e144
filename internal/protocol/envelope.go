// Package protocol defines the JSON message envelope exchanged between
// the hub and its endpoints: one object per frame, a `type` tag that
// selects the payload shape, and the validation each shape requires
// before the hub will act on it.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Tag identifies a frame's payload shape.
type Tag string

const (
	TagRegister         Tag = "REGISTER"
	TagRegisterAck      Tag = "REGISTER_ACK"
	TagDownloadRequest  Tag = "DOWNLOAD_REQUEST"
	TagDownloadAck      Tag = "DOWNLOAD_ACK"
	TagFileChunk        Tag = "FILE_CHUNK"
	TagRetryChunk       Tag = "RETRY_CHUNK"
	TagDownloadComplete Tag = "DOWNLOAD_COMPLETE"
	TagCancelDownload   Tag = "CANCEL_DOWNLOAD"
	TagPing             Tag = "PING"
	TagPong             Tag = "PONG"
	TagError            Tag = "ERROR"
)

// clientTags are the tags the hub accepts from an endpoint connection.
var clientTags = map[Tag]bool{
	TagRegister:         true,
	TagDownloadAck:      true,
	TagFileChunk:        true,
	TagDownloadComplete: true,
	TagPing:             true,
	TagPong:             true,
	TagError:            true,
}

// IsClientTag reports whether tag is one an endpoint is allowed to send.
func IsClientTag(tag Tag) bool { return clientTags[tag] }

type header struct {
	Type Tag `json:"type"`
}

// ErrUnknownTag is returned by Decode for a syntactically valid frame
// whose type tag the hub doesn't recognize.
type ErrUnknownTag struct{ Tag string }

func (e *ErrUnknownTag) Error() string { return fmt.Sprintf("protocol: unknown message type %q", e.Tag) }

// Decode inspects the `type` field of raw and unmarshals it into the
// matching payload struct, then validates the required fields for that
// tag. The returned value is a pointer to one of the payload types in
// this package (*Register, *DownloadAck, ...).
func Decode(raw []byte) (Tag, any, error) {
	var h header
	if err := json.Unmarshal(raw, &h); err != nil {
		return "", nil, fmt.Errorf("protocol: malformed frame: %w", err)
	}

	switch h.Type {
	case TagRegister:
		var m Register
		if err := json.Unmarshal(raw, &m); err != nil {
			return h.Type, nil, err
		}
		return h.Type, &m, m.Validate()
	case TagDownloadAck:
		var m DownloadAck
		if err := json.Unmarshal(raw, &m); err != nil {
			return h.Type, nil, err
		}
		return h.Type, &m, m.Validate()
	case TagFileChunk:
		var m FileChunk
		if err := json.Unmarshal(raw, &m); err != nil {
			return h.Type, nil, err
		}
		return h.Type, &m, m.Validate()
	case TagDownloadComplete:
		var m DownloadComplete
		if err := json.Unmarshal(raw, &m); err != nil {
			return h.Type, nil, err
		}
		return h.Type, &m, m.Validate()
	case TagPing, TagPong:
		var m Heartbeat
		if err := json.Unmarshal(raw, &m); err != nil {
			return h.Type, nil, err
		}
		return h.Type, &m, m.Validate()
	case TagError:
		var m ErrorFrame
		if err := json.Unmarshal(raw, &m); err != nil {
			return h.Type, nil, err
		}
		return h.Type, &m, nil
	default:
		return h.Type, nil, &ErrUnknownTag{Tag: string(h.Type)}
	}
}

// ValidRequestID reports whether s is a syntactically valid UUIDv4.
func ValidRequestID(s string) bool {
	id, err := uuid.Parse(s)
	return err == nil && id.Version() == 4
}

func errMissingField(tag Tag, field string) error {
	return fmt.Errorf("protocol: %s missing required field %q", tag, field)
}
