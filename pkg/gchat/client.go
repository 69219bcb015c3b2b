// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package gchat defines the boundary to the reverse-engineered Google
// Chat client library: the event variants its push stream produces, the
// calls the bridge makes against it, and the error taxonomy both sides
// agree on. The wire codec itself lives behind the Client interface and
// is not part of the bridge core.
package gchat

import (
	"context"
)

// SendMessageRequest carries one outbound message.
type SendMessageRequest struct {
	GroupID     GroupID
	Text        string
	Annotations []Annotation
	// TopicID targets an existing thread in a threaded space. Empty
	// starts a new topic.
	TopicID TopicID
	// LocalID is echoed back on the push stream so the sender can drop
	// its own local echo.
	LocalID string
}

// EditMessageRequest edits an existing message in place.
type EditMessageRequest struct {
	GroupID     GroupID
	TopicID     TopicID
	MessageID   MessageID
	Text        string
	Annotations []Annotation
}

// Client is the surface of the Google Chat client library the bridge
// consumes. Implementations own the wire protocol; the bridge owns
// retry policy, ordering and persistence. All calls honor context
// cancellation and return the package's typed errors.
type Client interface {
	// Connect starts the push stream. Events (including
	// StreamStateEvent transitions) are delivered on the returned
	// channel until the context is cancelled or Disconnect is called,
	// after which the channel is closed.
	Connect(ctx context.Context) (<-chan Event, error)
	Disconnect()

	// RefreshTokens exchanges the refresh token for fresh credentials.
	RefreshTokens(ctx context.Context) (Tokens, error)

	// Sync returns the conversation list with revisions for catch-up.
	Sync(ctx context.Context) ([]Group, error)
	GetGroup(ctx context.Context, id GroupID) (*Group, error)
	GetUsers(ctx context.Context, ids []UserID) ([]User, error)
	GetSelf() UserID

	SendMessage(ctx context.Context, req *SendMessageRequest) (*SendResponse, error)
	EditMessage(ctx context.Context, req *EditMessageRequest) (*SendResponse, error)
	DeleteMessage(ctx context.Context, group GroupID, topic TopicID, msg MessageID) error
	React(ctx context.Context, group GroupID, topic TopicID, msg MessageID, emoji string, remove bool) error

	SetTyping(ctx context.Context, group GroupID, typing bool) error
	MarkRead(ctx context.Context, group GroupID, tsMicro int64) error

	// ListMessages returns up to limit messages of a group older than
	// the given revision cursor, oldest first, plus the next cursor.
	ListMessages(ctx context.Context, group GroupID, revision int64, limit int) ([]Message, int64, error)

	DownloadAttachment(ctx context.Context, url string, maxSize int64) (*Attachment, error)
	UploadFile(ctx context.Context, group GroupID, filename, mimeType string, data []byte) (*UploadMetadata, error)
}
