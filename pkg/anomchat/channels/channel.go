// Package channels defines the session driver contract shared by every
// anomchat transport. A driver wraps one messaging session (live WhatsApp
// Web or an in-memory simulation) behind a poll-oriented interface that the
// session manager, ingestion loop and dispatcher consume.
package channels

import (
	"context"
	"errors"
	"strings"
	"time"
)

// MessageType identifies the kind of message content.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageAudio    MessageType = "audio"
	MessageVideo    MessageType = "video"
	MessageDocument MessageType = "document"
)

// IsMedia reports whether the type carries a downloadable attachment.
func (t MessageType) IsMedia() bool {
	switch t {
	case MessageImage, MessageAudio, MessageVideo, MessageDocument:
		return true
	}
	return false
}

// Raw kinds emitted by drivers. Drivers may emit other kinds; Classify maps
// anything unknown to text.
const (
	KindText         = "text"
	KindExtendedText = "extended_text"
	KindImage        = "image"
	KindSticker      = "sticker"
	KindAudio        = "audio"
	KindVoice        = "ptt"
	KindVideo        = "video"
	KindGIF          = "gif"
	KindDocument     = "document"
	KindLocation     = "location"
	KindContact      = "contact"
)

var (
	// ErrChannelLost is returned when the transport is not live although the
	// session was believed to be connected.
	ErrChannelLost = errors.New("channel lost")

	// ErrNoMedia is returned by DownloadMedia for events without attachments.
	ErrNoMedia = errors.New("event has no media")

	// ErrInvalidRecipient is returned when a chat ID cannot be addressed.
	ErrInvalidRecipient = errors.New("invalid recipient")
)

// SessionDriver is the transport a session manager drives. Implementations
// must be safe for concurrent use by the ingestion loop and the dispatcher.
type SessionDriver interface {
	// Name returns the driver identifier (e.g. "whatsapp", "simulated").
	Name() string

	// Open acquires the transport. A valid saved credential makes the
	// driver live without a challenge.
	Open(ctx context.Context) error

	// Close releases the transport. It is safe to call more than once.
	Close() error

	// IsLive reports whether the transport is authenticated and connected.
	IsLive() bool

	// FetchUnread drains the events received since the previous call.
	FetchUnread(ctx context.Context) ([]RawEvent, error)

	// Send delivers a text message to chatID.
	Send(ctx context.Context, chatID, text string) error

	// ChallengeArtifact returns the pending pairing payload (QR code), or
	// nil when no challenge is outstanding.
	ChallengeArtifact() []byte

	// DownloadMedia stores the attachment of evt locally and returns its
	// path.
	DownloadMedia(ctx context.Context, evt RawEvent) (string, error)
}

// Typer is implemented by drivers that can show a typing indicator.
type Typer interface {
	SendTyping(ctx context.Context, chatID string) error
}

// RawEvent is one inbound message as reported by a driver.
type RawEvent struct {
	// ID is the unique message identifier in the source channel.
	ID string

	// ChatID is the conversation identifier (sender JID for DMs).
	ChatID string

	// SenderName is the sender display name, if known.
	SenderName string

	// IsGroup marks events originating from group chats.
	IsGroup bool

	// Kind is the driver-specific raw message kind.
	Kind string

	// Text is the message body or media caption.
	Text string

	MimeType string
	FileName string

	// Timestamp is when the message was sent.
	Timestamp time.Time

	// Ref is an opaque driver handle used by DownloadMedia.
	Ref any
}

// Classify maps a raw driver kind onto a MessageType.
func Classify(kind string) MessageType {
	switch strings.ToLower(kind) {
	case KindImage, KindSticker:
		return MessageImage
	case KindAudio, KindVoice, "voice":
		return MessageAudio
	case KindVideo, KindGIF:
		return MessageVideo
	case KindDocument:
		return MessageDocument
	default:
		return MessageText
	}
}
