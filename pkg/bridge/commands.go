// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"
)

// CommandProcessor handles bot commands from management rooms and
// portal rooms.
type CommandProcessor struct {
	bridge *Bridge
	log    zerolog.Logger
	prefix string
}

func newCommandProcessor(br *Bridge) *CommandProcessor {
	return &CommandProcessor{
		bridge: br,
		log:    br.Log.With().Str("component", "commands").Logger(),
		prefix: br.Config.Bridge.CommandPrefix,
	}
}

// Matches reports whether a message body is addressed to the bridge.
func (cp *CommandProcessor) Matches(body string) bool {
	return body == cp.prefix || strings.HasPrefix(body, cp.prefix+" ")
}

func (cp *CommandProcessor) Handle(ctx context.Context, user *User, roomID id.RoomID, evtID id.EventID, body string) {
	body = strings.TrimSpace(strings.TrimPrefix(body, cp.prefix))
	fields := strings.Fields(body)
	if len(fields) == 0 {
		cp.reply(ctx, roomID, "%s", cp.helpText())
		return
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	cp.log.Debug().
		Stringer("user", user.MXID).
		Str("command", cmd).
		Msg("Handling command")
	switch cmd {
	case "help":
		cp.reply(ctx, roomID, "%s", cp.helpText())
	case "login":
		cp.handleLogin(ctx, user, roomID, args)
	case "logout":
		cp.handleLogout(ctx, user, roomID)
	case "ping":
		cp.handlePing(ctx, user, roomID)
	case "sync":
		cp.handleSync(ctx, user, roomID)
	case "list":
		cp.handleList(ctx, user, roomID)
	case "delete-portal":
		cp.handleDeletePortal(ctx, user, roomID)
	case "relay":
		cp.handleRelay(ctx, user, roomID, args)
	case "login-matrix":
		cp.handleLoginMatrix(ctx, user, roomID, args)
	case "logout-matrix":
		cp.handleLogoutMatrix(ctx, user, roomID)
	default:
		cp.reply(ctx, roomID, "Unknown command `%s`. Use `%s help` for a list of commands.", cmd, cp.prefix)
	}
}

func (cp *CommandProcessor) helpText() string {
	return strings.Join([]string{
		"* `help` - Show this help.",
		"* `login <refresh token>` - Log into Google Chat.",
		"* `logout` - Log out and disconnect.",
		"* `ping` - Check your connection state.",
		"* `sync` - Resync conversations and missed messages.",
		"* `list` - List bridged conversations.",
		"* `delete-portal` - Delete the current portal room (portal rooms only).",
		"* `relay <on|off>` - Toggle relay mode in the current portal.",
		"* `login-matrix <access token>` - Enable double puppeting.",
		"* `logout-matrix` - Disable double puppeting.",
	}, "\n")
}

func (cp *CommandProcessor) handleLogin(ctx context.Context, user *User, roomID id.RoomID, args []string) {
	if len(args) == 0 {
		cp.reply(ctx, roomID, "**Usage:** `%s login <refresh token>`", cp.prefix)
		return
	}
	if user.IsLoggedIn() {
		cp.reply(ctx, roomID, "You're already logged in. Use `%s logout` first to switch accounts.", cp.prefix)
		return
	}
	user.RefreshToken = args[0]
	user.Client = cp.bridge.newClient(user)
	tokens, err := user.Client.RefreshTokens(ctx)
	if err != nil {
		user.RefreshToken = ""
		user.Client = nil
		cp.reply(ctx, roomID, "Login failed: %v", err)
		return
	}
	gcid := user.Client.GetSelf()
	if err = user.Login(ctx, gcid, tokens.RefreshToken); err != nil {
		cp.reply(ctx, roomID, "Login failed: %v", err)
		return
	}
	cp.reply(ctx, roomID, "Successfully logged in as `%s`. Syncing conversations...", gcid)
}

func (cp *CommandProcessor) handleLogout(ctx context.Context, user *User, roomID id.RoomID) {
	if !user.IsLoggedIn() {
		cp.reply(ctx, roomID, "You're not logged in.")
		return
	}
	if err := user.Logout(ctx); err != nil {
		cp.reply(ctx, roomID, "Logout failed: %v", err)
		return
	}
	cp.reply(ctx, roomID, "Logged out successfully.")
}

func (cp *CommandProcessor) handlePing(ctx context.Context, user *User, roomID id.RoomID) {
	if !user.IsLoggedIn() {
		cp.reply(ctx, roomID, "You're not logged in.")
		return
	}
	cp.reply(ctx, roomID, "Logged in as `%s`, connection state: %s", user.GCID, user.State())
}

func (cp *CommandProcessor) handleSync(ctx context.Context, user *User, roomID id.RoomID) {
	if !user.IsLoggedIn() {
		cp.reply(ctx, roomID, "You're not logged in.")
		return
	}
	if user.State() != StateConnected {
		user.Connect()
		cp.reply(ctx, roomID, "Reconnecting...")
		return
	}
	go user.syncAfterConnect(context.Background())
	cp.reply(ctx, roomID, "Syncing conversations...")
}

func (cp *CommandProcessor) handleList(ctx context.Context, user *User, roomID id.RoomID) {
	if !user.IsLoggedIn() {
		cp.reply(ctx, roomID, "You're not logged in.")
		return
	}
	portals := cp.bridge.GetAllPortalsForUser(ctx, user.GCID)
	if len(portals) == 0 {
		cp.reply(ctx, roomID, "No bridged conversations.")
		return
	}
	var sb strings.Builder
	sb.WriteString("Bridged conversations:\n")
	for _, portal := range portals {
		name := portal.Name
		if name == "" {
			name = portal.Key.GCID.Plain()
		}
		if portal.MXID != "" {
			fmt.Fprintf(&sb, "* %s - [room](https://matrix.to/#/%s)\n", name, portal.MXID)
		} else {
			fmt.Fprintf(&sb, "* %s - no room yet\n", name)
		}
	}
	cp.reply(ctx, roomID, "%s", sb.String())
}

func (cp *CommandProcessor) handleDeletePortal(ctx context.Context, user *User, roomID id.RoomID) {
	portal := cp.bridge.GetPortalByMXID(roomID)
	if portal == nil {
		cp.reply(ctx, roomID, "This command can only be used in a portal room.")
		return
	}
	cp.log.Info().
		Stringer("user", user.MXID).
		Stringer("room_id", roomID).
		Msg("Deleting portal by command")
	portal.Cleanup(ctx)
	portal.Delete(ctx)
}

func (cp *CommandProcessor) handleRelay(ctx context.Context, user *User, roomID id.RoomID, args []string) {
	portal := cp.bridge.GetPortalByMXID(roomID)
	if portal == nil {
		cp.reply(ctx, roomID, "This command can only be used in a portal room.")
		return
	}
	if len(args) == 0 {
		state := "disabled"
		if portal.RelayMode {
			state = "enabled"
		}
		cp.reply(ctx, roomID, "Relay mode is currently %s. Use `%s relay <on|off>` to change it.", state, cp.prefix)
		return
	}
	switch strings.ToLower(args[0]) {
	case "on", "true", "enable":
		portal.RelayMode = true
	case "off", "false", "disable":
		portal.RelayMode = false
	default:
		cp.reply(ctx, roomID, "**Usage:** `%s relay <on|off>`", cp.prefix)
		return
	}
	if err := portal.Update(ctx); err != nil {
		cp.reply(ctx, roomID, "Failed to save relay mode: %v", err)
		return
	}
	cp.reply(ctx, roomID, "Relay mode updated.")
}

func (cp *CommandProcessor) handleLoginMatrix(ctx context.Context, user *User, roomID id.RoomID, args []string) {
	if user.GCID == "" {
		cp.reply(ctx, roomID, "Log into Google Chat first with `%s login`.", cp.prefix)
		return
	}
	puppet := cp.bridge.GetPuppetByGCID(user.GCID)
	if puppet == nil {
		cp.reply(ctx, roomID, "Failed to get your ghost.")
		return
	}
	var accessToken string
	if len(args) > 0 {
		accessToken = args[0]
	}
	if err := puppet.StartCustomMXID(ctx, user, accessToken); err != nil {
		cp.reply(ctx, roomID, "Failed to enable double puppeting: %v", err)
		return
	}
	cp.reply(ctx, roomID, "Double puppeting enabled.")
}

func (cp *CommandProcessor) handleLogoutMatrix(ctx context.Context, user *User, roomID id.RoomID) {
	puppet := cp.bridge.GetPuppetByCustomMXID(user.MXID)
	if puppet == nil {
		cp.reply(ctx, roomID, "Double puppeting is not enabled.")
		return
	}
	puppet.ClearCustomMXID(ctx)
	cp.reply(ctx, roomID, "Double puppeting disabled.")
}

func (cp *CommandProcessor) reply(ctx context.Context, roomID id.RoomID, msg string, args ...any) {
	content := format.RenderMarkdown(fmt.Sprintf(msg, args...), true, false)
	content.MsgType = event.MsgNotice
	if _, err := cp.bridge.Bot.SendMessageEvent(ctx, roomID, event.EventMessage, &content); err != nil {
		cp.log.Err(err).Stringer("room_id", roomID).Msg("Failed to send command reply")
	}
}
