// Copyright 2024-2026 Aiku AI

package gchat

import (
	"strings"
	"time"
)

// GroupID identifies a Google Chat conversation. The wire format is
// "dm:<id>" for direct messages and "space:<id>" for spaces (rooms).
type GroupID string

// UserID identifies a Google Chat participant.
type UserID string

// MessageID identifies a single message within a group.
type MessageID string

// TopicID identifies a thread (topic) within a threaded space.
type TopicID string

// NewDMID creates a GroupID for a direct message conversation.
func NewDMID(id string) GroupID {
	return GroupID("dm:" + id)
}

// NewSpaceID creates a GroupID for a space.
func NewSpaceID(id string) GroupID {
	return GroupID("space:" + id)
}

// IsDM reports whether the group is a direct message conversation.
func (gid GroupID) IsDM() bool {
	return strings.HasPrefix(string(gid), "dm:")
}

// IsSpace reports whether the group is a space.
func (gid GroupID) IsSpace() bool {
	return strings.HasPrefix(string(gid), "space:")
}

// Plain returns the group ID without its type prefix.
func (gid GroupID) Plain() string {
	if idx := strings.IndexByte(string(gid), ':'); idx >= 0 {
		return string(gid)[idx+1:]
	}
	return string(gid)
}

// User holds participant metadata from the user lookup endpoints.
type User struct {
	ID        UserID
	Name      string
	Email     string
	AvatarURL string
}

// Group holds conversation metadata from GetGroup or the world sync.
type Group struct {
	ID         GroupID
	Name       string
	IsThreaded bool
	// OtherUserID is set for DMs with exactly one other participant.
	OtherUserID UserID
	Members     []User
	// Revision is the server-side world revision of the last known event
	// in this group, used as the catch-up backfill cursor.
	Revision int64
	// SortTimestamp is the microsecond timestamp of the latest activity.
	SortTimestamp int64
}

// AnnotationType is the closed set of message annotation kinds the
// bridge understands. Anything else is passed through as plain text.
type AnnotationType int

const (
	AnnotationFormat AnnotationType = iota
	AnnotationUserMention
	AnnotationURL
	AnnotationUploadMetadata
)

// FormatType mirrors the Google Chat text format enum.
type FormatType int

const (
	FormatBold FormatType = iota
	FormatItalic
	FormatStrikethrough
	FormatMonospace
	FormatMonospaceBlock
	FormatUnderline
	FormatHidden
)

// Annotation is a formatting or attachment marker covering the byte
// range [Start, Start+Length) of a message body.
type Annotation struct {
	Type   AnnotationType
	Start  int
	Length int

	Format FormatType
	// UserID is set for AnnotationUserMention.
	UserID UserID
	// URL is set for AnnotationURL.
	URL string
	// Upload is set for AnnotationUploadMetadata.
	Upload *UploadMetadata
}

// UploadMetadata describes an attachment stored on Google's servers.
type UploadMetadata struct {
	AttachmentToken string
	ContentName     string
	ContentType     string
}

// AttachmentURL returns the canonical download URL for the upload.
func (um *UploadMetadata) AttachmentURL() string {
	return "https://chat.google.com/api/get_attachment_url?url_type=FIFE_URL&attachment_token=" + um.AttachmentToken
}

// Message is a single chat message as delivered by the push stream or
// history fetch. Timestamps are in microseconds, matching the wire
// format.
type Message struct {
	ID          MessageID
	GroupID     GroupID
	TopicID     TopicID
	Sender      UserID
	Text        string
	Annotations []Annotation
	// LocalID echoes the client-provided ID for messages sent by this
	// session, used for local echo suppression.
	LocalID        string
	CreateTime     int64
	LastEditTime   int64
	LastUpdateTime int64
}

// CreatedAt returns the message creation time as a time.Time.
func (m *Message) CreatedAt() time.Time {
	return time.UnixMicro(m.CreateTime)
}

// SendResponse is returned by SendMessage and EditMessage.
type SendResponse struct {
	MessageID MessageID
	TopicID   TopicID
	Timestamp int64
}

// Attachment is the result of downloading an attachment.
type Attachment struct {
	Data     []byte
	MimeType string
	FileName string
}

// ReadReceipt reports how far a participant has read in a group.
type ReadReceipt struct {
	UserID        UserID
	ReadTimeMicro int64
}

// Tokens holds the credential material produced by login or refresh.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Expired reports whether the access token needs refreshing.
func (t Tokens) Expired() bool {
	return t.AccessToken == "" || time.Until(t.Expiry) < time.Minute
}
