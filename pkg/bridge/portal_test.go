// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-googlechat/pkg/database"
	"github.com/aiku/mautrix-googlechat/pkg/gchat"
)

type matrixSend struct {
	RoomID  id.RoomID
	Type    string
	Content map[string]any
}

// fakeHomeserver answers the client-server API calls the bridge makes
// and records every message event it receives.
type fakeHomeserver struct {
	Server *httptest.Server

	mu         sync.Mutex
	roomCount  int
	eventCount int
	sends      []matrixSend
}

func newFakeHomeserver(t *testing.T) *fakeHomeserver {
	t.Helper()
	hs := &fakeHomeserver{}
	hs.Server = httptest.NewServer(http.HandlerFunc(hs.handle))
	t.Cleanup(hs.Server.Close)
	return hs
}

func (hs *fakeHomeserver) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	hs.mu.Lock()
	defer hs.mu.Unlock()
	switch {
	case strings.HasSuffix(r.URL.Path, "/createRoom"):
		hs.roomCount++
		fmt.Fprintf(w, `{"room_id":"!room%d:example.com"}`, hs.roomCount)
	case len(parts) >= 8 && parts[3] == "rooms" && parts[5] == "send":
		var content map[string]any
		_ = json.NewDecoder(r.Body).Decode(&content)
		hs.sends = append(hs.sends, matrixSend{RoomID: id.RoomID(parts[4]), Type: parts[6], Content: content})
		hs.eventCount++
		fmt.Fprintf(w, `{"event_id":"$event%d"}`, hs.eventCount)
	case len(parts) >= 7 && parts[3] == "rooms" && parts[5] == "state":
		hs.eventCount++
		fmt.Fprintf(w, `{"event_id":"$event%d"}`, hs.eventCount)
	case len(parts) >= 5 && (parts[3] == "join" || parts[len(parts)-1] == "join"):
		fmt.Fprintf(w, `{"room_id":%q}`, parts[4])
	default:
		_, _ = w.Write([]byte("{}"))
	}
}

// messagesSent returns the m.room.message bodies sent to a room, in
// the order the homeserver received them.
func (hs *fakeHomeserver) messagesSent(room id.RoomID) []string {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	var bodies []string
	for _, send := range hs.sends {
		if send.RoomID == room && send.Type == "m.room.message" {
			body, _ := send.Content["body"].(string)
			bodies = append(bodies, body)
		}
	}
	return bodies
}

const fakeEditTimestamp = 42_000_000

// fakeChatClient implements gchat.Client from in-memory fixtures and
// records outbound send and edit requests.
type fakeChatClient struct {
	self    gchat.UserID
	groups  map[gchat.GroupID]*gchat.Group
	users   map[gchat.UserID]gchat.User
	history map[gchat.GroupID][]gchat.Message
	// historyRevision is returned as the next cursor from ListMessages.
	historyRevision int64

	mu        sync.Mutex
	sent      []gchat.SendMessageRequest
	edits     []gchat.EditMessageRequest
	sendCount int
}

func (fc *fakeChatClient) Connect(ctx context.Context) (<-chan gchat.Event, error) {
	ch := make(chan gchat.Event)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (fc *fakeChatClient) Disconnect() {}

func (fc *fakeChatClient) RefreshTokens(ctx context.Context) (gchat.Tokens, error) {
	return gchat.Tokens{AccessToken: "access", RefreshToken: "refresh", Expiry: time.Now().Add(time.Hour)}, nil
}

func (fc *fakeChatClient) Sync(ctx context.Context) ([]gchat.Group, error) {
	groups := make([]gchat.Group, 0, len(fc.groups))
	for _, group := range fc.groups {
		groups = append(groups, *group)
	}
	return groups, nil
}

func (fc *fakeChatClient) GetGroup(ctx context.Context, groupID gchat.GroupID) (*gchat.Group, error) {
	group, ok := fc.groups[groupID]
	if !ok {
		return nil, gchat.ErrNotFound
	}
	copied := *group
	return &copied, nil
}

func (fc *fakeChatClient) GetUsers(ctx context.Context, ids []gchat.UserID) ([]gchat.User, error) {
	users := make([]gchat.User, 0, len(ids))
	for _, uid := range ids {
		if user, ok := fc.users[uid]; ok {
			users = append(users, user)
		}
	}
	return users, nil
}

func (fc *fakeChatClient) GetSelf() gchat.UserID { return fc.self }

func (fc *fakeChatClient) SendMessage(ctx context.Context, req *gchat.SendMessageRequest) (*gchat.SendResponse, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.sendCount++
	fc.sent = append(fc.sent, *req)
	return &gchat.SendResponse{
		MessageID: gchat.MessageID(fmt.Sprintf("srv%d", fc.sendCount)),
		TopicID:   req.TopicID,
		Timestamp: int64(fc.sendCount) * 1_000_000,
	}, nil
}

func (fc *fakeChatClient) EditMessage(ctx context.Context, req *gchat.EditMessageRequest) (*gchat.SendResponse, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.edits = append(fc.edits, *req)
	return &gchat.SendResponse{MessageID: req.MessageID, TopicID: req.TopicID, Timestamp: fakeEditTimestamp}, nil
}

func (fc *fakeChatClient) DeleteMessage(ctx context.Context, group gchat.GroupID, topic gchat.TopicID, msg gchat.MessageID) error {
	return nil
}

func (fc *fakeChatClient) React(ctx context.Context, group gchat.GroupID, topic gchat.TopicID, msg gchat.MessageID, emoji string, remove bool) error {
	return nil
}

func (fc *fakeChatClient) SetTyping(ctx context.Context, group gchat.GroupID, typing bool) error {
	return nil
}

func (fc *fakeChatClient) MarkRead(ctx context.Context, group gchat.GroupID, tsMicro int64) error {
	return nil
}

func (fc *fakeChatClient) ListMessages(ctx context.Context, group gchat.GroupID, revision int64, limit int) ([]gchat.Message, int64, error) {
	return append([]gchat.Message(nil), fc.history[group]...), fc.historyRevision, nil
}

func (fc *fakeChatClient) DownloadAttachment(ctx context.Context, url string, maxSize int64) (*gchat.Attachment, error) {
	return nil, gchat.ErrNotFound
}

func (fc *fakeChatClient) UploadFile(ctx context.Context, group gchat.GroupID, filename, mimeType string, data []byte) (*gchat.UploadMetadata, error) {
	return &gchat.UploadMetadata{AttachmentToken: "token", ContentName: filename, ContentType: mimeType}, nil
}

func (fc *fakeChatClient) sentMessages() []gchat.SendMessageRequest {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]gchat.SendMessageRequest(nil), fc.sent...)
}

func (fc *fakeChatClient) editRequests() []gchat.EditMessageRequest {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]gchat.EditMessageRequest(nil), fc.edits...)
}

const testDMID gchat.GroupID = "dm:AAA"

func newDMClient() *fakeChatClient {
	return &fakeChatClient{
		self: "self",
		groups: map[gchat.GroupID]*gchat.Group{
			testDMID: {
				ID:          testDMID,
				OtherUserID: "other",
				Members:     []gchat.User{{ID: "self", Name: "Self"}, {ID: "other", Name: "Other"}},
			},
		},
		users: map[gchat.UserID]gchat.User{
			"self":  {ID: "self", Name: "Self"},
			"other": {ID: "other", Name: "Other"},
		},
		history: map[gchat.GroupID][]gchat.Message{},
	}
}

func newTestBridge(t *testing.T, fc *fakeChatClient) (*Bridge, *fakeHomeserver) {
	t.Helper()
	hs := newFakeHomeserver(t)
	cfg := loadExampleConfig(t)
	cfg.Homeserver.Address = hs.Server.URL
	cfg.Bridge.Backfill.Enabled = false
	cfg.Bridge.InviteOwnPuppetToPM = true
	rawDB, err := dbutil.NewWithDialect(":memory:", "sqlite3")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	rawDB.RawDB.SetMaxOpenConns(1)
	reg := appservice.CreateRegistration()
	reg.SenderLocalpart = cfg.AppService.BotUsername
	br, err := New(cfg, zerolog.Nop(), rawDB, reg, func(*User) gchat.Client { return fc })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err = br.DB.Upgrade(ctx); err != nil {
		t.Fatalf("upgrade database: %v", err)
	}
	if err = br.StateStore.Upgrade(ctx); err != nil {
		t.Fatalf("upgrade state store: %v", err)
	}
	t.Cleanup(func() {
		br.portalsLock.Lock()
		for _, portal := range br.portalsByKey {
			portal.stopEventLoop()
		}
		br.portalsLock.Unlock()
		_ = rawDB.Close()
	})
	return br, hs
}

func loginTestUser(t *testing.T, br *Bridge, fc *fakeChatClient) *User {
	t.Helper()
	user := br.GetUserByMXID(id.UserID("@alice:example.com"))
	if user == nil {
		t.Fatal("GetUserByMXID returned nil")
	}
	user.GCID = fc.self
	user.RefreshToken = "refresh-token"
	user.Client = fc
	if err := user.Update(context.Background()); err != nil {
		t.Fatalf("save user: %v", err)
	}
	br.usersLock.Lock()
	br.usersByGCID[user.GCID] = user
	br.usersLock.Unlock()
	return user
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func waitForMapping(t *testing.T, br *Bridge, portal *Portal, gcid gchat.MessageID) *database.Message {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := br.DB.Message.GetByGCID(ctx, gcid, portal.Key.GCID, portal.Key.Receiver)
		if err != nil {
			t.Fatalf("get message mapping: %v", err)
		}
		if msg != nil {
			return msg
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("message %s was never bridged", gcid)
	return nil
}

func inboundMessage(msgID string, sender gchat.UserID, text string, ts int64) *gchat.MessageEvent {
	return &gchat.MessageEvent{Message: gchat.Message{
		ID:         gchat.MessageID(msgID),
		GroupID:    testDMID,
		Sender:     sender,
		Text:       text,
		CreateTime: ts,
	}}
}

func matrixMessageEvent(evtID id.EventID, sender id.UserID, body string) *event.Event {
	return &event.Event{
		ID:     evtID,
		Sender: sender,
		Type:   event.EventMessage,
		Content: event.Content{Parsed: &event.MessageEventContent{
			MsgType: event.MsgText,
			Body:    body,
		}},
	}
}

// The first message of a new conversation must both create the room
// and be delivered with its mapping recorded.
func TestInboundMessageCreatesRoomAndBridges(t *testing.T) {
	t.Parallel()
	fc := newDMClient()
	br, hs := newTestBridge(t, fc)
	user := loginTestUser(t, br, fc)
	portal := br.GetPortalByGCID(testDMID, user.GCID)
	if portal == nil {
		t.Fatal("GetPortalByGCID returned nil")
	}
	portal.enqueue(portalEvent{user: user, remote: inboundMessage("m1", "other", "hi", 1_000_000)})
	mapping := waitForMapping(t, br, portal, "m1")
	if mapping.MXRoom == "" {
		t.Fatal("mapping has no room")
	}
	if mapping.Direction != database.DirectionInbound {
		t.Errorf("direction: got %q", mapping.Direction)
	}
	if got := hs.messagesSent(mapping.MXRoom); len(got) != 1 || got[0] != "hi" {
		t.Errorf("bridged messages: got %v, want [hi]", got)
	}
	dbPortal, err := br.DB.Portal.GetByKey(context.Background(), portal.Key)
	if err != nil || dbPortal == nil {
		t.Fatalf("get portal: %v", err)
	}
	if dbPortal.MXID != mapping.MXRoom {
		t.Errorf("portal room: got %q, want %q", dbPortal.MXID, mapping.MXRoom)
	}
	if dbPortal.State != database.PortalStateActive {
		t.Errorf("portal state: got %q", dbPortal.State)
	}
}

// With backfill enabled, the post-create history replay overlaps the
// triggering message; it must still be bridged exactly once.
func TestInboundMessageBridgedOnceWithBackfillOverlap(t *testing.T) {
	t.Parallel()
	fc := newDMClient()
	m1 := gchat.Message{ID: "m1", GroupID: testDMID, Sender: "other", Text: "hi", CreateTime: 1_000_000}
	fc.history[testDMID] = []gchat.Message{m1}
	fc.historyRevision = 7
	br, hs := newTestBridge(t, fc)
	br.Config.Bridge.Backfill.Enabled = true
	user := loginTestUser(t, br, fc)
	portal := br.GetPortalByGCID(testDMID, user.GCID)
	portal.enqueue(portalEvent{user: user, remote: &gchat.MessageEvent{Message: m1}})
	mapping := waitForMapping(t, br, portal, "m1")
	waitFor(t, "backfill cursor", func() bool {
		dbPortal, err := br.DB.Portal.GetByKey(context.Background(), portal.Key)
		return err == nil && dbPortal != nil && dbPortal.Revision == 7
	})
	if got := hs.messagesSent(mapping.MXRoom); len(got) != 1 || got[0] != "hi" {
		t.Errorf("bridged messages: got %v, want exactly [hi]", got)
	}
}

// Redelivering the same message ID must not produce a second Matrix
// event, and distinct messages keep their arrival order.
func TestInboundDuplicateDroppedAndOrderKept(t *testing.T) {
	t.Parallel()
	fc := newDMClient()
	br, hs := newTestBridge(t, fc)
	user := loginTestUser(t, br, fc)
	portal := br.GetPortalByGCID(testDMID, user.GCID)
	portal.enqueue(portalEvent{user: user, remote: inboundMessage("m1", "other", "first", 1_000_000)})
	portal.enqueue(portalEvent{user: user, remote: inboundMessage("m1", "other", "first", 1_000_000)})
	portal.enqueue(portalEvent{user: user, remote: inboundMessage("m2", "other", "second", 2_000_000)})
	mapping := waitForMapping(t, br, portal, "m2")
	got := hs.messagesSent(mapping.MXRoom)
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Errorf("bridged messages: got %v, want [first second]", got)
	}
}

// A Matrix edit resolves its target through the mapping store, and the
// resulting stream echo is not bridged back.
func TestMatrixEditRoundTripAndEchoSuppressed(t *testing.T) {
	t.Parallel()
	fc := newDMClient()
	br, hs := newTestBridge(t, fc)
	user := loginTestUser(t, br, fc)
	portal := br.GetPortalByGCID(testDMID, user.GCID)
	portal.enqueue(portalEvent{user: user, remote: inboundMessage("m1", "other", "hi", 1_000_000)})
	waitForMapping(t, br, portal, "m1")

	portal.enqueue(portalEvent{user: user, matrix: matrixMessageEvent("$out1", user.MXID, "original")})
	outMapping := waitForMapping(t, br, portal, "srv1")
	if outMapping.MXID != "$out1" {
		t.Errorf("outbound mapping event: got %q, want $out1", outMapping.MXID)
	}
	if outMapping.Direction != database.DirectionOutbound {
		t.Errorf("outbound mapping direction: got %q", outMapping.Direction)
	}

	editEvt := &event.Event{
		ID:     "$out1-edit",
		Sender: user.MXID,
		Type:   event.EventMessage,
		Content: event.Content{Parsed: &event.MessageEventContent{
			MsgType:    event.MsgText,
			Body:       "* fixed",
			NewContent: &event.MessageEventContent{MsgType: event.MsgText, Body: "fixed"},
			RelatesTo:  &event.RelatesTo{Type: event.RelReplace, EventID: outMapping.MXID},
		}},
	}
	portal.enqueue(portalEvent{user: user, matrix: editEvt})
	waitFor(t, "edit request", func() bool { return len(fc.editRequests()) == 1 })
	edit := fc.editRequests()[0]
	if edit.MessageID != "srv1" {
		t.Errorf("edit target: got %q, want srv1", edit.MessageID)
	}
	if edit.Text != "fixed" {
		t.Errorf("edit text: got %q, want %q", edit.Text, "fixed")
	}

	echo := &gchat.MessageEditedEvent{Message: gchat.Message{
		ID:           "srv1",
		GroupID:      testDMID,
		Sender:       "self",
		Text:         "fixed",
		CreateTime:   1_000_000,
		LastEditTime: fakeEditTimestamp,
	}}
	portal.enqueue(portalEvent{user: user, remote: echo})
	portal.enqueue(portalEvent{user: user, remote: inboundMessage("m3", "other", "done", 3_000_000)})
	mapping3 := waitForMapping(t, br, portal, "m3")
	got := hs.messagesSent(mapping3.MXRoom)
	if len(got) != 2 || got[0] != "hi" || got[1] != "done" {
		t.Errorf("bridged messages: got %v, want [hi done]", got)
	}
}

// The stream echo of the user's own outbound message carries its local
// ID and must be dropped instead of bridged as a duplicate.
func TestOutboundEchoSuppressed(t *testing.T) {
	t.Parallel()
	fc := newDMClient()
	br, hs := newTestBridge(t, fc)
	user := loginTestUser(t, br, fc)
	portal := br.GetPortalByGCID(testDMID, user.GCID)
	portal.enqueue(portalEvent{user: user, remote: inboundMessage("m1", "other", "hi", 1_000_000)})
	waitForMapping(t, br, portal, "m1")

	portal.enqueue(portalEvent{user: user, matrix: matrixMessageEvent("$out1", user.MXID, "from matrix")})
	waitForMapping(t, br, portal, "srv1")
	sent := fc.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("send requests: got %d, want 1", len(sent))
	}
	if sent[0].LocalID == "" {
		t.Fatal("outbound send carried no local ID")
	}

	echo := &gchat.MessageEvent{Message: gchat.Message{
		ID:         "echo1",
		GroupID:    testDMID,
		Sender:     "self",
		Text:       "from matrix",
		LocalID:    sent[0].LocalID,
		CreateTime: 2_000_000,
	}}
	portal.enqueue(portalEvent{user: user, remote: echo})
	portal.enqueue(portalEvent{user: user, remote: inboundMessage("m3", "other", "done", 3_000_000)})
	mapping3 := waitForMapping(t, br, portal, "m3")
	got := hs.messagesSent(mapping3.MXRoom)
	if len(got) != 2 || got[0] != "hi" || got[1] != "done" {
		t.Errorf("bridged messages: got %v, want [hi done]", got)
	}
}

// Matrix messages to an archived conversation are rejected with a
// notice instead of being relayed.
func TestArchivedPortalRejectsMatrixMessages(t *testing.T) {
	t.Parallel()
	fc := newDMClient()
	br, hs := newTestBridge(t, fc)
	user := loginTestUser(t, br, fc)
	portal := br.GetPortalByGCID(testDMID, user.GCID)
	portal.enqueue(portalEvent{user: user, remote: inboundMessage("m1", "other", "hi", 1_000_000)})
	mapping := waitForMapping(t, br, portal, "m1")

	portal.MarkArchived(context.Background())
	portal.enqueue(portalEvent{user: user, matrix: matrixMessageEvent("$out1", user.MXID, "too late")})
	waitFor(t, "rejection notice", func() bool {
		for _, body := range hs.messagesSent(mapping.MXRoom) {
			if strings.Contains(body, "closed") {
				return true
			}
		}
		return false
	})
	if sent := fc.sentMessages(); len(sent) != 0 {
		t.Errorf("archived portal relayed %d messages", len(sent))
	}
}
