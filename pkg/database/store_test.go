// Copyright 2024-2026 Aiku AI

package database

import (
	"context"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/crypto/attachment"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-googlechat/pkg/gchat"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	rawDB, err := dbutil.NewWithDialect(":memory:", "sqlite3")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	rawDB.RawDB.SetMaxOpenConns(1)
	db := New(rawDB)
	if err = db.Upgrade(context.Background()); err != nil {
		t.Fatalf("upgrade database: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func insertTestPortal(t *testing.T, db *Database, gcid gchat.GroupID, receiver gchat.UserID, mxid id.RoomID) *Portal {
	t.Helper()
	portal := db.Portal.New()
	portal.Key = NewPortalKey(gcid, receiver)
	portal.MXID = mxid
	if err := portal.Insert(context.Background()); err != nil {
		t.Fatalf("insert portal: %v", err)
	}
	return portal
}

func TestUserStoreRoundTrip(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()

	user := db.User.New()
	user.MXID = "@alice:example.com"
	user.GCID = "alice-gc"
	user.RefreshToken = "refresh-token"
	if err := user.Insert(ctx); err != nil {
		t.Fatalf("insert user: %v", err)
	}

	got, err := db.User.GetByMXID(ctx, "@alice:example.com")
	if err != nil {
		t.Fatalf("get by mxid: %v", err)
	} else if got == nil {
		t.Fatal("get by mxid: not found")
	}
	if got.GCID != "alice-gc" || got.RefreshToken != "refresh-token" {
		t.Errorf("round trip: got gcid %q token %q", got.GCID, got.RefreshToken)
	}

	got.NoticeRoom = "!notices:example.com"
	if err = got.Update(ctx); err != nil {
		t.Fatalf("update user: %v", err)
	}
	byGCID, err := db.User.GetByGCID(ctx, "alice-gc")
	if err != nil || byGCID == nil {
		t.Fatalf("get by gcid: %v", err)
	}
	if byGCID.NoticeRoom != "!notices:example.com" {
		t.Errorf("notice room: got %q", byGCID.NoticeRoom)
	}

	// A user without stored credentials must not count as logged in.
	guest := db.User.New()
	guest.MXID = "@guest:example.com"
	if err = guest.Insert(ctx); err != nil {
		t.Fatalf("insert guest: %v", err)
	}
	loggedIn, err := db.User.GetAllLoggedIn(ctx)
	if err != nil {
		t.Fatalf("get all logged in: %v", err)
	}
	if len(loggedIn) != 1 || loggedIn[0].MXID != "@alice:example.com" {
		t.Errorf("logged in users: got %d", len(loggedIn))
	}
}

func TestPortalStoreRoundTrip(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()

	dm := insertTestPortal(t, db, "dm:AAA", "self", "!dm:example.com")
	got, err := db.Portal.GetByKey(ctx, dm.Key)
	if err != nil || got == nil {
		t.Fatalf("get by key: %v", err)
	}
	if got.State != PortalStateUninitialized {
		t.Errorf("initial state: got %q", got.State)
	}

	got.Name = "Other User"
	got.State = PortalStateActive
	if err = got.Update(ctx); err != nil {
		t.Fatalf("update portal: %v", err)
	}
	byMXID, err := db.Portal.GetByMXID(ctx, "!dm:example.com")
	if err != nil || byMXID == nil {
		t.Fatalf("get by mxid: %v", err)
	}
	if byMXID.Name != "Other User" || byMXID.State != PortalStateActive {
		t.Errorf("round trip: got name %q state %q", byMXID.Name, byMXID.State)
	}

	// Space portals are shared: the receiver is cleared, and they show
	// up for every receiver.
	space := insertTestPortal(t, db, "space:BBB", "self", "!space:example.com")
	if space.Key.Receiver != "" {
		t.Errorf("space receiver: got %q, want empty", space.Key.Receiver)
	}
	forSelf, err := db.Portal.GetAllForReceiver(ctx, "self")
	if err != nil {
		t.Fatalf("get for receiver: %v", err)
	}
	if len(forSelf) != 2 {
		t.Errorf("portals for self: got %d, want 2", len(forSelf))
	}
	forOther, err := db.Portal.GetAllForReceiver(ctx, "someone")
	if err != nil {
		t.Fatalf("get for receiver: %v", err)
	}
	if len(forOther) != 1 || forOther[0].Key.GCID != "space:BBB" {
		t.Errorf("portals for someone: got %d", len(forOther))
	}
}

func TestMessageStoreRoundTrip(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()
	insertTestPortal(t, db, "dm:AAA", "self", "!dm:example.com")

	// Multi-part message: text plus one attachment.
	for i, mxid := range []id.EventID{"$text", "$file"} {
		part := db.Message.New()
		part.MXID = mxid
		part.MXRoom = "!dm:example.com"
		part.GCID = "m1"
		part.GCChat = "dm:AAA"
		part.Receiver = "self"
		part.Sender = "other"
		part.Index = i
		part.Direction = DirectionInbound
		part.Timestamp = 100
		if err := part.Insert(ctx); err != nil {
			t.Fatalf("insert part %d: %v", i, err)
		}
	}

	first, err := db.Message.GetByGCID(ctx, "m1", "dm:AAA", "self")
	if err != nil || first == nil {
		t.Fatalf("get by gcid: %v", err)
	}
	if first.MXID != "$text" || first.Index != 0 {
		t.Errorf("first part: got %q index %d", first.MXID, first.Index)
	}
	parts, err := db.Message.GetAllPartsByGCID(ctx, "m1", "dm:AAA", "self")
	if err != nil {
		t.Fatalf("get all parts: %v", err)
	}
	if len(parts) != 2 || parts[0].MXID != "$text" || parts[1].MXID != "$file" {
		t.Errorf("parts: got %d", len(parts))
	}
	byMXID, err := db.Message.GetByMXID(ctx, "$file", "!dm:example.com")
	if err != nil || byMXID == nil {
		t.Fatalf("get by mxid: %v", err)
	}
	if byMXID.Index != 1 {
		t.Errorf("attachment part index: got %d", byMXID.Index)
	}

	if err = byMXID.Delete(ctx); err != nil {
		t.Fatalf("delete part: %v", err)
	}
	parts, err = db.Message.GetAllPartsByGCID(ctx, "m1", "dm:AAA", "self")
	if err != nil {
		t.Fatalf("get all parts: %v", err)
	}
	if len(parts) != 1 {
		t.Errorf("parts after delete: got %d", len(parts))
	}

	if err = db.Message.DeleteAllInRoom(ctx, "!dm:example.com"); err != nil {
		t.Fatalf("delete all in room: %v", err)
	}
	first, err = db.Message.GetByGCID(ctx, "m1", "dm:AAA", "self")
	if err != nil {
		t.Fatalf("get by gcid: %v", err)
	}
	if first != nil {
		t.Error("message survived room wipe")
	}
}

func TestMessageCursorQueries(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()
	insertTestPortal(t, db, "space:BBB", "", "!space:example.com")

	insert := func(mxid id.EventID, gcid gchat.MessageID, parent gchat.TopicID, ts int64) {
		msg := db.Message.New()
		msg.MXID = mxid
		msg.MXRoom = "!space:example.com"
		msg.GCID = gcid
		msg.GCChat = "space:BBB"
		msg.Sender = "other"
		msg.ParentID = parent
		msg.Direction = DirectionInbound
		msg.Timestamp = ts
		if err := msg.Insert(ctx); err != nil {
			t.Fatalf("insert %s: %v", gcid, err)
		}
	}
	insert("$a", "m1", "t1", 100)
	insert("$b", "m2", "t1", 200)
	insert("$c", "m3", "", 300)

	last, err := db.Message.GetLastInThread(ctx, "t1", "space:BBB", "")
	if err != nil || last == nil {
		t.Fatalf("get last in thread: %v", err)
	}
	if last.GCID != "m2" {
		t.Errorf("last in thread: got %q, want m2", last.GCID)
	}

	closest, err := db.Message.GetClosestBefore(ctx, "space:BBB", "", 250)
	if err != nil || closest == nil {
		t.Fatalf("get closest before: %v", err)
	}
	if closest.GCID != "m2" {
		t.Errorf("closest before 250: got %q, want m2", closest.GCID)
	}
	closest, err = db.Message.GetClosestBefore(ctx, "space:BBB", "", 50)
	if err != nil {
		t.Fatalf("get closest before: %v", err)
	}
	if closest != nil {
		t.Errorf("closest before 50: got %q, want none", closest.GCID)
	}

	newest, err := db.Message.GetLastInChat(ctx, "space:BBB", "")
	if err != nil || newest == nil {
		t.Fatalf("get last in chat: %v", err)
	}
	if newest.GCID != "m3" {
		t.Errorf("last in chat: got %q, want m3", newest.GCID)
	}
}

func TestReactionStoreRoundTrip(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()
	insertTestPortal(t, db, "dm:AAA", "self", "!dm:example.com")

	reaction := db.Reaction.New()
	reaction.MXID = "$react"
	reaction.MXRoom = "!dm:example.com"
	reaction.Emoji = "👍"
	reaction.Sender = "other"
	reaction.MessageID = "m1"
	reaction.Chat = "dm:AAA"
	reaction.Receiver = "self"
	reaction.Timestamp = 100
	if err := reaction.Insert(ctx); err != nil {
		t.Fatalf("insert reaction: %v", err)
	}

	got, err := db.Reaction.GetByGCID(ctx, "👍", "other", "m1", "dm:AAA", "self")
	if err != nil || got == nil {
		t.Fatalf("get by gcid: %v", err)
	}
	if got.MXID != "$react" {
		t.Errorf("round trip: got %q", got.MXID)
	}
	byMXID, err := db.Reaction.GetByMXID(ctx, "$react", "!dm:example.com")
	if err != nil || byMXID == nil {
		t.Fatalf("get by mxid: %v", err)
	}

	if err = byMXID.Delete(ctx); err != nil {
		t.Fatalf("delete reaction: %v", err)
	}
	got, err = db.Reaction.GetByGCID(ctx, "👍", "other", "m1", "dm:AAA", "self")
	if err != nil {
		t.Fatalf("get by gcid: %v", err)
	}
	if got != nil {
		t.Error("reaction survived delete")
	}
}

func TestMediaCacheRoundTrip(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()

	const url = "https://chat.example.com/attachment/1"
	cached := db.MediaCache.New()
	cached.URLHash = HashMediaURL(url)
	cached.MXC = "mxc://example.com/abc"
	cached.MimeType = "image/png"
	cached.FileName = "cat.png"
	cached.Size = 1234
	cached.Timestamp = 100
	if err := cached.Insert(ctx); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := db.MediaCache.GetByURL(ctx, url)
	if err != nil || got == nil {
		t.Fatalf("get by url: %v", err)
	}
	if got.MXC != "mxc://example.com/abc" || got.FileInfo != nil {
		t.Errorf("round trip: got mxc %q file info %v", got.MXC, got.FileInfo)
	}

	miss, err := db.MediaCache.GetByURL(ctx, "https://chat.example.com/attachment/2")
	if err != nil {
		t.Fatalf("get by url: %v", err)
	}
	if miss != nil {
		t.Error("unexpected cache hit")
	}

	// Re-inserting the same URL replaces the entry, and encryption keys
	// survive the round trip.
	cached.MXC = "mxc://example.com/def"
	cached.FileInfo = &event.EncryptedFileInfo{
		EncryptedFile: attachment.EncryptedFile{InitVector: "iv"},
		URL:           "mxc://example.com/def",
	}
	if err = cached.Insert(ctx); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err = db.MediaCache.GetByURL(ctx, url)
	if err != nil || got == nil {
		t.Fatalf("get by url: %v", err)
	}
	if got.MXC != "mxc://example.com/def" {
		t.Errorf("upsert mxc: got %q", got.MXC)
	}
	if got.FileInfo == nil || got.FileInfo.InitVector != "iv" {
		t.Errorf("upsert file info: got %v", got.FileInfo)
	}
}
