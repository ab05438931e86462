package model

import "time"

// Message represents a single inbound email as seen by the triage engine.
type Message struct {
	ID             string
	Hash           string
	Subject        string
	HTMLBody       string
	HasAttachments bool
	ReceivedAt     time.Time
	Size           int64
}

// Attachment is a file part of a message. The bytes are already local.
type Attachment struct {
	ID          string
	Name        string
	ContentType string
	Size        int64
	Data        []byte
}

// Envelope wraps a message alongside an optional error encountered while decoding.
type Envelope struct {
	Message Message
	Err     error
}
