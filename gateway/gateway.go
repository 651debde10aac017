// Package gateway defines the delivery boundary of the chatcore engine.
//
// The engine builds payloads and hands them to a Gateway implementation;
// everything below that call — encryption, wire format, sockets, relays —
// belongs to the implementation, not to this module. The package also
// defines the typed errors a gateway reports, which the engine records
// against the originating message.
package gateway

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors a Gateway may return. The engine classifies them with
// errors.Is / errors.As when recording send failures.
var (
	// ErrNetworkUnavailable means no transport path exists right now.
	// Fatal for the attempt, recorded on the message, retryable later.
	ErrNetworkUnavailable = errors.New("gateway: network unavailable")

	// ErrUnsupportedConversation means the destination is a legacy
	// group kind the gateway cannot address. Terminal; never retried.
	ErrUnsupportedConversation = errors.New("gateway: unsupported conversation kind")
)

// IdentityKeyChangedError reports that a peer's identity key rotated
// since the payload was built. The send is recorded as failed and may be
// retried after the user acknowledges the new key.
type IdentityKeyChangedError struct {
	PeerID string
}

func (e *IdentityKeyChangedError) Error() string {
	return fmt.Sprintf("gateway: identity key changed for %s", e.PeerID)
}

// ValidationError reports a malformed identifier or payload, rejected
// before any dispatch attempt.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("gateway: invalid %s: %s", e.Field, e.Reason)
}

// Attachment is an attachment reference already uploaded and ready to
// reference from a payload.
type Attachment struct {
	ID          string
	ContentType string
	Size        int64
	Digest      string
	URL         string
}

// Quote references an earlier message being replied to.
type Quote struct {
	AuthorID  string
	Timestamp int64
	Text      string
}

// Preview is a link preview attached to a message body.
type Preview struct {
	URL   string
	Title string
}

// Payload is one outbound message addressed to a single destination.
type Payload struct {
	MessageID    string
	Body         string
	Attachments  []Attachment
	Quote        *Quote
	Previews     []Preview
	TimerSeconds uint32
	SentAt       int64

	// SyncOnly marks a payload addressed solely to the local user's
	// other devices, skipping the full recipient fan-out.
	SyncOnly bool

	// TimerUpdate marks a control payload announcing a
	// disappearing-message timer change rather than user content.
	TimerUpdate bool
}

// Gateway delivers built payloads. Implementations report per-attempt
// success or failure; they do not retry and do not reorder.
type Gateway interface {
	// SendToPeer delivers the payload to one peer (1:1 or one group
	// member at a time).
	SendToPeer(ctx context.Context, peerID string, p *Payload) error

	// SendToGroup delivers the payload to an open/public group as a
	// single addressed send.
	SendToGroup(ctx context.Context, groupID string, p *Payload) error

	// SendReadReceipt reports the given sent-timestamps as read to the
	// peer that authored them.
	SendReadReceipt(ctx context.Context, peerID string, timestamps []int64) error

	// SendTyping delivers a typing indicator for the conversation.
	SendTyping(ctx context.Context, conversationID string, isTyping bool) error
}

// Uploader pushes attachment, quote thumbnail, and preview data to
// whatever blob service the deployment uses, returning references the
// payload can carry. Upload happens inside the dispatch job, before the
// gateway send.
type Uploader interface {
	UploadAttachment(ctx context.Context, localPath string, contentType string) (Attachment, error)
}

// NopUploader is an Uploader for deployments (and tests) without an
// attachment service. It returns an empty reference for every upload.
type NopUploader struct{}

func (NopUploader) UploadAttachment(_ context.Context, localPath, contentType string) (Attachment, error) {
	return Attachment{ContentType: contentType, URL: localPath}, nil
}
