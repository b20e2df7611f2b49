// Package models defines the shared types that cross package boundaries.
package models

import (
	"strings"
	"time"
)

// ChannelType represents a messaging platform.
type ChannelType string

const (
	ChannelWhatsApp ChannelType = "whatsapp"
)

// Direction indicates if a message is inbound or outbound.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Payload holds the content shapes a platform message can carry.
// Extraction consults them in a fixed priority order; see Extract.
type Payload struct {
	// Text is the plain message body.
	Text string `json:"text,omitempty"`

	// ExtendedText is the body of a link-preview or quoted-reply message.
	ExtendedText string `json:"extended_text,omitempty"`

	// ImageCaption is the caption attached to an image.
	ImageCaption string `json:"image_caption,omitempty"`

	// VideoCaption is the caption attached to a video.
	VideoCaption string `json:"video_caption,omitempty"`
}

// Extract returns the first non-empty content shape, in priority order:
// plain text, extended text, image caption, video caption.
func (p Payload) Extract() string {
	for _, s := range []string{p.Text, p.ExtendedText, p.ImageCaption, p.VideoCaption} {
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

// Empty reports whether the payload carries no content at all.
func (p Payload) Empty() bool {
	return p.Extract() == ""
}

// Message is the normalized message format crossing the transport boundary.
type Message struct {
	ID        string      `json:"id"`
	ChannelID string      `json:"channel_id"` // Platform-specific message ID
	Channel   ChannelType `json:"channel"`
	Direction Direction   `json:"direction"`

	// SenderID identifies the user who authored the message.
	SenderID string `json:"sender_id"`

	// SenderName is the display name of the sender, if known.
	SenderName string `json:"sender_name,omitempty"`

	// ChatID identifies the conversation (DM or group) the message belongs to.
	ChatID string `json:"chat_id"`

	// FromSelf marks messages authored by the bot's own identity.
	FromSelf bool `json:"from_self,omitempty"`

	Payload   Payload   `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}
