package protocol

import "time"

// The constructors below fill in the Type discriminator so callers
// never have to remember the literal tag string.

func NewRegisterAck(success bool, message string) *RegisterAck {
	return &RegisterAck{Type: TagRegisterAck, Success: success, Message: message}
}

func NewDownloadRequest(requestID, clientID, filePath string) *DownloadRequest {
	return &DownloadRequest{Type: TagDownloadRequest, RequestID: requestID, ClientID: clientID, FilePath: filePath}
}

func NewRetryChunk(requestID string, chunkIndex, attempt int, reason string, at time.Time) *RetryChunk {
	return &RetryChunk{
		Type:       TagRetryChunk,
		RequestID:  requestID,
		ChunkIndex: chunkIndex,
		Attempt:    attempt,
		Reason:     reason,
		Timestamp:  at.UTC().Format(time.RFC3339),
	}
}

func NewCancelDownload(requestID, reason string) *CancelDownload {
	return &CancelDownload{Type: TagCancelDownload, RequestID: requestID, Reason: reason}
}

func NewPing(at time.Time) *Heartbeat {
	return &Heartbeat{Type: TagPing, Timestamp: at.UTC().Format(time.RFC3339)}
}

func NewPong(at time.Time) *Heartbeat {
	return &Heartbeat{Type: TagPong, Timestamp: at.UTC().Format(time.RFC3339)}
}

func NewErrorFrame(code, message string, details map[string]any) *ErrorFrame {
	return &ErrorFrame{Type: TagError, Code: code, Message: message, Details: details}
}
