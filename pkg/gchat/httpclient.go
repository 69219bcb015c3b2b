// Copyright 2024-2026 Aiku AI

package gchat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	chatAPIBase   = "https://chat.googleapis.com/v1"
	chatUploadURL = "https://chat.googleapis.com/upload/v1"
	peopleAPIBase = "https://people.googleapis.com/v1"

	defaultPollInterval = 15 * time.Second
	spaceRefreshEvery   = 5 * time.Minute
)

var oauthScopes = []string{
	"https://www.googleapis.com/auth/chat.messages",
	"https://www.googleapis.com/auth/chat.spaces",
	"https://www.googleapis.com/auth/chat.memberships",
	"https://www.googleapis.com/auth/chat.users.readstate",
	"https://www.googleapis.com/auth/userinfo.profile",
}

// ClientConfig configures the REST client.
type ClientConfig struct {
	OAuthClientID     string
	OAuthClientSecret string
	RefreshToken      string
	// PollInterval is how often the event stream polls for new space
	// events. Zero means the default.
	PollInterval time.Duration
	HTTPClient   *http.Client
	Logger       zerolog.Logger

	// Endpoint overrides, empty for the public Google endpoints.
	ChatBaseURL   string
	UploadBaseURL string
	PeopleBaseURL string
	TokenURL      string
}

// httpClient implements Client over the Google Chat REST API. The push
// stream is emulated by polling the space events endpoint.
type httpClient struct {
	cfg  ClientConfig
	log  zerolog.Logger
	http *http.Client

	chatBase   string
	uploadBase string
	peopleBase string

	tokenLock   sync.Mutex
	tokenSource oauth2.TokenSource

	selfLock sync.Mutex
	self     UserID

	streamLock   sync.Mutex
	streamCancel context.CancelFunc

	// isDM remembers each space's type so polled events can carry
	// correctly prefixed group IDs.
	dmLock sync.Mutex
	isDM   map[string]bool

	// cursors holds the per-space event poll position (µs).
	cursorLock sync.Mutex
	cursors    map[string]int64
}

// NewClient creates a Google Chat REST client for one account.
func NewClient(cfg ClientConfig) Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 2 * time.Minute}
	}
	c := &httpClient{
		cfg:        cfg,
		log:        cfg.Logger,
		http:       cfg.HTTPClient,
		chatBase:   cfg.ChatBaseURL,
		uploadBase: cfg.UploadBaseURL,
		peopleBase: cfg.PeopleBaseURL,
		isDM:       make(map[string]bool),
		cursors:    make(map[string]int64),
	}
	if c.chatBase == "" {
		c.chatBase = chatAPIBase
	}
	if c.uploadBase == "" {
		c.uploadBase = chatUploadURL
	}
	if c.peopleBase == "" {
		c.peopleBase = peopleAPIBase
	}
	return c
}

func (c *httpClient) oauthConfig() *oauth2.Config {
	endpoint := google.Endpoint
	if c.cfg.TokenURL != "" {
		endpoint = oauth2.Endpoint{TokenURL: c.cfg.TokenURL}
	}
	return &oauth2.Config{
		ClientID:     c.cfg.OAuthClientID,
		ClientSecret: c.cfg.OAuthClientSecret,
		Endpoint:     endpoint,
		Scopes:       oauthScopes,
	}
}

func (c *httpClient) token(ctx context.Context) (*oauth2.Token, error) {
	c.tokenLock.Lock()
	defer c.tokenLock.Unlock()
	if c.tokenSource == nil {
		if c.cfg.RefreshToken == "" {
			return nil, ErrAuthExpired
		}
		c.tokenSource = c.oauthConfig().TokenSource(ctx, &oauth2.Token{RefreshToken: c.cfg.RefreshToken})
	}
	tok, err := c.tokenSource.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil && retrieveErr.Response.StatusCode < 500 {
			return nil, fmt.Errorf("%w: %v", ErrAuthExpired, err)
		}
		return nil, err
	}
	return tok, nil
}

// RefreshTokens exchanges the refresh token for a fresh access token.
func (c *httpClient) RefreshTokens(ctx context.Context) (Tokens, error) {
	tok, err := c.token(ctx)
	if err != nil {
		return Tokens{}, err
	}
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = c.cfg.RefreshToken
	}
	if _, err = c.fetchSelf(ctx); err != nil {
		return Tokens{}, err
	}
	return Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
		Expiry:       tok.Expiry,
	}, nil
}

func (c *httpClient) GetSelf() UserID {
	c.selfLock.Lock()
	defer c.selfLock.Unlock()
	return c.self
}

func (c *httpClient) fetchSelf(ctx context.Context) (UserID, error) {
	c.selfLock.Lock()
	if c.self != "" {
		self := c.self
		c.selfLock.Unlock()
		return self, nil
	}
	c.selfLock.Unlock()
	var person struct {
		ResourceName string `json:"resourceName"`
	}
	query := url.Values{"personFields": {"names"}}
	if err := c.get(ctx, c.peopleBase+"/people/me", query, &person); err != nil {
		return "", err
	}
	self := UserID(strings.TrimPrefix(person.ResourceName, "people/"))
	c.selfLock.Lock()
	c.self = self
	c.selfLock.Unlock()
	return self, nil
}

// do performs an authenticated request and maps HTTP failures onto the
// package's error taxonomy.
func (c *httpClient) do(ctx context.Context, method, rawURL string, query url.Values, body io.Reader, contentType string, out any) error {
	tok, err := c.token(ctx)
	if err != nil {
		return err
	}
	if len(query) > 0 {
		rawURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return err
	}
	tok.SetAuthHeader(req)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apiError(resp, data)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *httpClient) get(ctx context.Context, rawURL string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, rawURL, query, nil, "", out)
}

func (c *httpClient) postJSON(ctx context.Context, rawURL string, query url.Values, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, rawURL, query, bytes.NewReader(data), "application/json", out)
}

func apiError(resp *http.Response, body []byte) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d: %s", ErrAuthExpired, resp.StatusCode, body)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, body)
	case http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %s", ErrFileTooLarge, body)
	case http.StatusTooManyRequests:
		var retryAfter time.Duration
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			retryAfter = time.Duration(secs) * time.Second
		}
		return &RateLimitError{RetryAfter: retryAfter}
	default:
		return fmt.Errorf("googlechat: HTTP %d: %s", resp.StatusCode, body)
	}
}

// apiSpace is the Chat API space resource subset the bridge reads.
type apiSpace struct {
	Name        string `json:"name"`
	SpaceType   string `json:"spaceType"`
	DisplayName string `json:"displayName"`
	SpaceThreadingState string `json:"spaceThreadingState"`
	LastActiveTime      string `json:"lastActiveTime"`
}

type apiUser struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Type        string `json:"type"`
}

type apiMembership struct {
	Name   string  `json:"name"`
	Member apiUser `json:"member"`
}

type apiThread struct {
	Name string `json:"name"`
}

type apiAttachmentDataRef struct {
	ResourceName          string `json:"resourceName,omitempty"`
	AttachmentUploadToken string `json:"attachmentUploadToken,omitempty"`
}

type apiAttachment struct {
	Name              string                `json:"name,omitempty"`
	ContentName       string                `json:"contentName,omitempty"`
	ContentType       string                `json:"contentType,omitempty"`
	AttachmentDataRef *apiAttachmentDataRef `json:"attachmentDataRef,omitempty"`
	DownloadURI       string                `json:"downloadUri,omitempty"`
}

type apiUserMentionMetadata struct {
	User apiUser `json:"user"`
}

type apiAnnotation struct {
	Type                string                  `json:"type"`
	StartIndex          int                     `json:"startIndex"`
	Length              int                     `json:"length"`
	UserMention         *apiUserMentionMetadata `json:"userMention,omitempty"`
	RichLinkMetadata    *struct {
		URI string `json:"uri"`
	} `json:"richLinkMetadata,omitempty"`
}

type apiMessage struct {
	Name           string          `json:"name,omitempty"`
	Sender         *apiUser        `json:"sender,omitempty"`
	Text           string          `json:"text,omitempty"`
	Thread         *apiThread      `json:"thread,omitempty"`
	CreateTime     string          `json:"createTime,omitempty"`
	LastUpdateTime string          `json:"lastUpdateTime,omitempty"`
	Annotations    []apiAnnotation `json:"annotations,omitempty"`
	Attachment     []apiAttachment `json:"attachment,omitempty"`
	ClientAssignedMessageID string `json:"clientAssignedMessageId,omitempty"`
}

func parseRFC3339Micro(s string) int64 {
	if s == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0
	}
	return t.UnixMicro()
}

func spaceResource(gid GroupID) string {
	return "spaces/" + gid.Plain()
}

func (c *httpClient) groupIDFor(spaceName string) GroupID {
	plain := strings.TrimPrefix(spaceName, "spaces/")
	c.dmLock.Lock()
	dm := c.isDM[plain]
	c.dmLock.Unlock()
	if dm {
		return NewDMID(plain)
	}
	return NewSpaceID(plain)
}

func (c *httpClient) rememberSpaceType(space *apiSpace) {
	plain := strings.TrimPrefix(space.Name, "spaces/")
	c.dmLock.Lock()
	c.isDM[plain] = space.SpaceType == "DIRECT_MESSAGE"
	c.dmLock.Unlock()
}

func (c *httpClient) convertMessage(gid GroupID, msg *apiMessage) Message {
	out := Message{
		ID:             MessageID(lastSegment(msg.Name)),
		GroupID:        gid,
		Sender:         UserID(strings.TrimPrefix(userName(msg.Sender), "users/")),
		Text:           msg.Text,
		CreateTime:     parseRFC3339Micro(msg.CreateTime),
		LastUpdateTime: parseRFC3339Micro(msg.LastUpdateTime),
	}
	if msg.Thread != nil {
		out.TopicID = TopicID(lastSegment(msg.Thread.Name))
	}
	if msg.LastUpdateTime != "" && msg.LastUpdateTime != msg.CreateTime {
		out.LastEditTime = out.LastUpdateTime
	}
	if strings.HasPrefix(string(out.ID), "client-") {
		out.LocalID = strings.TrimPrefix(string(out.ID), "client-")
	}
	for _, ann := range msg.Annotations {
		switch ann.Type {
		case "USER_MENTION":
			if ann.UserMention != nil {
				out.Annotations = append(out.Annotations, Annotation{
					Type:   AnnotationUserMention,
					Start:  ann.StartIndex,
					Length: ann.Length,
					UserID: UserID(strings.TrimPrefix(ann.UserMention.User.Name, "users/")),
				})
			}
		case "RICH_LINK":
			if ann.RichLinkMetadata != nil {
				out.Annotations = append(out.Annotations, Annotation{
					Type:   AnnotationURL,
					Start:  ann.StartIndex,
					Length: ann.Length,
					URL:    ann.RichLinkMetadata.URI,
				})
			}
		}
	}
	for _, att := range msg.Attachment {
		upload := &UploadMetadata{
			ContentName: att.ContentName,
			ContentType: att.ContentType,
		}
		if att.AttachmentDataRef != nil {
			upload.AttachmentToken = att.AttachmentDataRef.ResourceName
		}
		out.Annotations = append(out.Annotations, Annotation{
			Type:   AnnotationUploadMetadata,
			Upload: upload,
		})
	}
	return out
}

func userName(u *apiUser) string {
	if u == nil {
		return ""
	}
	return u.Name
}

func lastSegment(name string) string {
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		return name[idx+1:]
	}
	return name
}

// Sync lists the account's spaces with membership and activity info.
func (c *httpClient) Sync(ctx context.Context) ([]Group, error) {
	var groups []Group
	pageToken := ""
	for {
		var resp struct {
			Spaces        []apiSpace `json:"spaces"`
			NextPageToken string     `json:"nextPageToken"`
		}
		query := url.Values{"pageSize": {"100"}}
		if pageToken != "" {
			query.Set("pageToken", pageToken)
		}
		if err := c.get(ctx, c.chatBase+"/spaces", query, &resp); err != nil {
			return nil, err
		}
		for i := range resp.Spaces {
			group, err := c.convertSpace(ctx, &resp.Spaces[i])
			if err != nil {
				return nil, err
			}
			groups = append(groups, *group)
		}
		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}
	return groups, nil
}

func (c *httpClient) GetGroup(ctx context.Context, id GroupID) (*Group, error) {
	var space apiSpace
	if err := c.get(ctx, c.chatBase+"/"+spaceResource(id), nil, &space); err != nil {
		return nil, err
	}
	return c.convertSpace(ctx, &space)
}

func (c *httpClient) convertSpace(ctx context.Context, space *apiSpace) (*Group, error) {
	c.rememberSpaceType(space)
	gid := c.groupIDFor(space.Name)
	group := &Group{
		ID:            gid,
		Name:          space.DisplayName,
		IsThreaded:    space.SpaceThreadingState == "THREADED_MESSAGES",
		SortTimestamp: parseRFC3339Micro(space.LastActiveTime),
		Revision:      parseRFC3339Micro(space.LastActiveTime),
	}
	members, err := c.listMembers(ctx, space.Name)
	if err != nil {
		return nil, err
	}
	group.Members = members
	if gid.IsDM() {
		self := c.GetSelf()
		for _, member := range members {
			if member.ID != self {
				group.OtherUserID = member.ID
				break
			}
		}
	}
	return group, nil
}

func (c *httpClient) listMembers(ctx context.Context, spaceName string) ([]User, error) {
	var members []User
	pageToken := ""
	for {
		var resp struct {
			Memberships   []apiMembership `json:"memberships"`
			NextPageToken string          `json:"nextPageToken"`
		}
		query := url.Values{"pageSize": {"100"}}
		if pageToken != "" {
			query.Set("pageToken", pageToken)
		}
		if err := c.get(ctx, c.chatBase+"/"+spaceName+"/members", query, &resp); err != nil {
			return nil, err
		}
		for _, membership := range resp.Memberships {
			if membership.Member.Type == "BOT" {
				continue
			}
			members = append(members, User{
				ID:   UserID(strings.TrimPrefix(membership.Member.Name, "users/")),
				Name: membership.Member.DisplayName,
			})
		}
		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}
	return members, nil
}

// GetUsers resolves participant profiles through the People API.
func (c *httpClient) GetUsers(ctx context.Context, ids []UserID) ([]User, error) {
	users := make([]User, 0, len(ids))
	for _, uid := range ids {
		var person struct {
			Names []struct {
				DisplayName string `json:"displayName"`
			} `json:"names"`
			EmailAddresses []struct {
				Value string `json:"value"`
			} `json:"emailAddresses"`
			Photos []struct {
				URL string `json:"url"`
			} `json:"photos"`
		}
		query := url.Values{"personFields": {"names,emailAddresses,photos"}}
		err := c.get(ctx, c.peopleBase+"/people/"+url.PathEscape(string(uid)), query, &person)
		if err != nil {
			c.log.Debug().Err(err).Str("user_id", string(uid)).Msg("Failed to fetch profile")
			users = append(users, User{ID: uid})
			continue
		}
		user := User{ID: uid}
		if len(person.Names) > 0 {
			user.Name = person.Names[0].DisplayName
		}
		if len(person.EmailAddresses) > 0 {
			user.Email = person.EmailAddresses[0].Value
		}
		if len(person.Photos) > 0 {
			user.AvatarURL = person.Photos[0].URL
		}
		users = append(users, user)
	}
	return users, nil
}

func (c *httpClient) SendMessage(ctx context.Context, req *SendMessageRequest) (*SendResponse, error) {
	body := apiMessage{Text: req.Text}
	for _, ann := range req.Annotations {
		if ann.Type == AnnotationUploadMetadata && ann.Upload != nil {
			body.Attachment = append(body.Attachment, apiAttachment{
				ContentName: ann.Upload.ContentName,
				ContentType: ann.Upload.ContentType,
				AttachmentDataRef: &apiAttachmentDataRef{
					AttachmentUploadToken: ann.Upload.AttachmentToken,
				},
			})
		}
	}
	query := url.Values{}
	if req.LocalID != "" {
		query.Set("messageId", "client-"+req.LocalID)
	}
	if req.TopicID != "" {
		body.Thread = &apiThread{Name: spaceResource(req.GroupID) + "/threads/" + string(req.TopicID)}
		query.Set("messageReplyOption", "REPLY_MESSAGE_FALLBACK_TO_NEW_THREAD")
	}
	var resp apiMessage
	err := c.postJSON(ctx, c.chatBase+"/"+spaceResource(req.GroupID)+"/messages", query, &body, &resp)
	if err != nil {
		return nil, err
	}
	out := &SendResponse{
		MessageID: MessageID(lastSegment(resp.Name)),
		Timestamp: parseRFC3339Micro(resp.CreateTime),
	}
	if resp.Thread != nil {
		out.TopicID = TopicID(lastSegment(resp.Thread.Name))
	}
	return out, nil
}

func (c *httpClient) EditMessage(ctx context.Context, req *EditMessageRequest) (*SendResponse, error) {
	body := apiMessage{Text: req.Text}
	data, err := json.Marshal(&body)
	if err != nil {
		return nil, err
	}
	name := spaceResource(req.GroupID) + "/messages/" + string(req.MessageID)
	query := url.Values{"updateMask": {"text"}}
	var resp apiMessage
	err = c.do(ctx, http.MethodPatch, c.chatBase+"/"+name, query, bytes.NewReader(data), "application/json", &resp)
	if err != nil {
		return nil, err
	}
	out := &SendResponse{
		MessageID: MessageID(lastSegment(resp.Name)),
		Timestamp: parseRFC3339Micro(resp.LastUpdateTime),
	}
	if resp.Thread != nil {
		out.TopicID = TopicID(lastSegment(resp.Thread.Name))
	}
	return out, nil
}

func (c *httpClient) DeleteMessage(ctx context.Context, group GroupID, topic TopicID, msg MessageID) error {
	name := spaceResource(group) + "/messages/" + string(msg)
	return c.do(ctx, http.MethodDelete, c.chatBase+"/"+name, nil, nil, "", nil)
}

func (c *httpClient) React(ctx context.Context, group GroupID, topic TopicID, msg MessageID, emoji string, remove bool) error {
	parent := spaceResource(group) + "/messages/" + string(msg)
	if !remove {
		body := map[string]any{"emoji": map[string]string{"unicode": emoji}}
		return c.postJSON(ctx, c.chatBase+"/"+parent+"/reactions", nil, body, nil)
	}
	self, err := c.fetchSelf(ctx)
	if err != nil {
		return err
	}
	var resp struct {
		Reactions []struct {
			Name string `json:"name"`
			User apiUser `json:"user"`
			Emoji struct {
				Unicode string `json:"unicode"`
			} `json:"emoji"`
		} `json:"reactions"`
	}
	query := url.Values{"filter": {fmt.Sprintf(`emoji.unicode = %q`, emoji)}}
	if err = c.get(ctx, c.chatBase+"/"+parent+"/reactions", query, &resp); err != nil {
		return err
	}
	for _, reaction := range resp.Reactions {
		if strings.TrimPrefix(reaction.User.Name, "users/") == string(self) {
			return c.do(ctx, http.MethodDelete, c.chatBase+"/"+reaction.Name, nil, nil, "", nil)
		}
	}
	return ErrNotFound
}

// SetTyping is a no-op: the REST API has no typing endpoint.
func (c *httpClient) SetTyping(ctx context.Context, group GroupID, typing bool) error {
	return nil
}

func (c *httpClient) MarkRead(ctx context.Context, group GroupID, tsMicro int64) error {
	name := "users/me/spaces/" + group.Plain() + "/spaceReadState"
	body := map[string]any{
		"lastReadTime": time.UnixMicro(tsMicro).UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	query := url.Values{"updateMask": {"lastReadTime"}}
	return c.do(ctx, http.MethodPatch, c.chatBase+"/"+name, query, bytes.NewReader(data), "application/json", nil)
}

// ListMessages fetches history after the revision cursor, oldest first.
func (c *httpClient) ListMessages(ctx context.Context, group GroupID, revision int64, limit int) ([]Message, int64, error) {
	query := url.Values{
		"pageSize": {strconv.Itoa(limit)},
		"orderBy":  {"createTime ASC"},
	}
	if revision > 0 {
		query.Set("filter", fmt.Sprintf(`createTime > %q`, time.UnixMicro(revision).UTC().Format(time.RFC3339Nano)))
	}
	var resp struct {
		Messages []apiMessage `json:"messages"`
	}
	if err := c.get(ctx, c.chatBase+"/"+spaceResource(group)+"/messages", query, &resp); err != nil {
		return nil, revision, err
	}
	messages := make([]Message, 0, len(resp.Messages))
	cursor := revision
	for i := range resp.Messages {
		msg := c.convertMessage(group, &resp.Messages[i])
		if msg.CreateTime > cursor {
			cursor = msg.CreateTime
		}
		messages = append(messages, msg)
	}
	return messages, cursor, nil
}

// DownloadAttachment fetches attachment or avatar bytes. Attachment
// URLs produced by UploadMetadata.AttachmentURL are translated to the
// media endpoint.
func (c *httpClient) DownloadAttachment(ctx context.Context, rawURL string, maxSize int64) (*Attachment, error) {
	target := rawURL
	if parsed, err := url.Parse(rawURL); err == nil {
		if token := parsed.Query().Get("attachment_token"); token != "" {
			target = c.chatBase + "/media/" + token + "?alt=media"
		}
	}
	tok, err := c.token(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	tok.SetAuthHeader(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, apiError(resp, data)
	}
	if resp.ContentLength > maxSize {
		return nil, ErrFileTooLarge
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxSize {
		return nil, ErrFileTooLarge
	}
	return &Attachment{
		Data:     data,
		MimeType: resp.Header.Get("Content-Type"),
	}, nil
}

// UploadFile uploads attachment bytes and returns the token to attach
// to an outgoing message.
func (c *httpClient) UploadFile(ctx context.Context, group GroupID, filename, mimeType string, data []byte) (*UploadMetadata, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	metaPart, err := writer.CreatePart(map[string][]string{
		"Content-Type": {"application/json; charset=UTF-8"},
	})
	if err != nil {
		return nil, err
	}
	if err = json.NewEncoder(metaPart).Encode(map[string]string{"filename": filename}); err != nil {
		return nil, err
	}
	mediaPart, err := writer.CreatePart(map[string][]string{
		"Content-Type": {mimeType},
	})
	if err != nil {
		return nil, err
	}
	if _, err = mediaPart.Write(data); err != nil {
		return nil, err
	}
	if err = writer.Close(); err != nil {
		return nil, err
	}
	rawURL := c.uploadBase + "/" + spaceResource(group) + "/attachments:upload"
	query := url.Values{"uploadType": {"multipart"}}
	var resp struct {
		AttachmentDataRef apiAttachmentDataRef `json:"attachmentDataRef"`
	}
	contentType := "multipart/related; boundary=" + writer.Boundary()
	if err = c.do(ctx, http.MethodPost, rawURL, query, &buf, contentType, &resp); err != nil {
		return nil, err
	}
	return &UploadMetadata{
		AttachmentToken: resp.AttachmentDataRef.AttachmentUploadToken,
		ContentName:     filename,
		ContentType:     mimeType,
	}, nil
}
