// Package signal connects the engine to Signal through signal-cli's
// JSON-RPC mode. [Client] manages the subprocess; [Bridge] turns
// received messages into engine inputs and replies with the rendered
// outcome.
package signal

// Envelope is one event pushed by signal-cli. Only data messages are
// delivered by [Client]; typing, receipt and sync events are dropped
// while decoding, so their payloads are not modelled here.
type Envelope struct {
	Source     string `json:"source"`
	SourceName string `json:"sourceName"`
	Timestamp  int64  `json:"timestamp"`

	DataMessage *DataMessage `json:"dataMessage,omitempty"`
}

// DataMessage is a text or media message. A meal photo arrives as an
// attachment with the caption in Message.
type DataMessage struct {
	Timestamp   int64        `json:"timestamp"`
	Message     string       `json:"message"`
	GroupInfo   *GroupInfo   `json:"groupInfo,omitempty"`
	Reaction    *Reaction    `json:"reaction,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Reaction marks a data message that is only an emoji reaction. The
// bridge ignores these.
type Reaction struct {
	Emoji string `json:"emoji"`
}

// Attachment is a file stored by signal-cli under its attachment
// directory, named by ID.
type Attachment struct {
	ContentType string `json:"contentType"`
	ID          string `json:"id"`
	Size        int64  `json:"size"`
}

// GroupInfo identifies the group a message was sent to. All members of
// a group share one analysis session.
type GroupInfo struct {
	GroupID string `json:"groupId"`
}

// receiveNotification is the params of a "receive" notification.
type receiveNotification struct {
	Envelope Envelope `json:"envelope"`
}

// sendResult is the result of a "send" call.
type sendResult struct {
	Timestamp int64 `json:"timestamp"`
}
