// Copyright 2024-2026 Aiku AI

package database

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// CachedMedia records a completed attachment re-upload so that repeat
// deliveries of the same attachment are served from the Matrix content
// repository instead of being fetched and uploaded again.
type CachedMedia struct {
	qh *dbutil.QueryHelper[*CachedMedia]

	URLHash string
	MXC     id.ContentURIString
	// FileInfo holds the encryption keys for attachments uploaded into
	// encrypted rooms; nil for plaintext uploads.
	FileInfo  *event.EncryptedFileInfo
	MimeType  string
	FileName  string
	Size      int64
	Timestamp int64
}

type MediaCacheQuery struct {
	*dbutil.QueryHelper[*CachedMedia]
}

func newMediaCache(qh *dbutil.QueryHelper[*CachedMedia]) *CachedMedia {
	return &CachedMedia{qh: qh}
}

// HashMediaURL derives the cache key for an attachment source URL.
func HashMediaURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

const (
	getCachedMediaQuery = `
		SELECT url_hash, mxc, file_info, mime_type, file_name, size, timestamp FROM media_cache WHERE url_hash=$1
	`
	insertCachedMediaQuery = `
		INSERT INTO media_cache (url_hash, mxc, file_info, mime_type, file_name, size, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (url_hash) DO UPDATE SET mxc=excluded.mxc, file_info=excluded.file_info,
			mime_type=excluded.mime_type, file_name=excluded.file_name, size=excluded.size, timestamp=excluded.timestamp
	`
)

func (mcq *MediaCacheQuery) GetByURL(ctx context.Context, url string) (*CachedMedia, error) {
	return mcq.QueryOne(ctx, getCachedMediaQuery, HashMediaURL(url))
}

func (cm *CachedMedia) Scan(row dbutil.Scannable) (*CachedMedia, error) {
	var fileInfo sql.NullString
	err := row.Scan(&cm.URLHash, &cm.MXC, &fileInfo, &cm.MimeType, &cm.FileName, &cm.Size, &cm.Timestamp)
	if err != nil {
		return nil, err
	}
	if fileInfo.Valid && fileInfo.String != "" {
		var info event.EncryptedFileInfo
		if json.Unmarshal([]byte(fileInfo.String), &info) == nil {
			cm.FileInfo = &info
		}
	}
	return cm, nil
}

func (cm *CachedMedia) Insert(ctx context.Context) error {
	var fileInfo *string
	if cm.FileInfo != nil {
		raw, err := json.Marshal(cm.FileInfo)
		if err != nil {
			return err
		}
		str := string(raw)
		fileInfo = &str
	}
	return cm.qh.Exec(ctx, insertCachedMediaQuery, cm.URLHash, cm.MXC, fileInfo, cm.MimeType, cm.FileName, cm.Size, cm.Timestamp)
}
