// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-googlechat/pkg/database"
	"github.com/aiku/mautrix-googlechat/pkg/gchat"
)

// Puppet is the Matrix ghost of a Google Chat user.
type Puppet struct {
	*database.Puppet
	bridge *Bridge
	log    zerolog.Logger

	MXID id.UserID

	customIntent *appservice.IntentAPI
	customUser   *User
}

func (br *Bridge) loadPuppet(dbPuppet *database.Puppet, gcid *gchat.UserID) *Puppet {
	if dbPuppet == nil {
		if gcid == nil {
			return nil
		}
		dbPuppet = br.DB.Puppet.New()
		dbPuppet.GCID = *gcid
		if err := dbPuppet.Insert(context.TODO()); err != nil {
			br.Log.Err(err).Str("gcid", string(*gcid)).Msg("Failed to insert new puppet")
			return nil
		}
	}
	puppet := &Puppet{
		Puppet: dbPuppet,
		bridge: br,
		log:    br.Log.With().Str("component", "puppet").Str("gcid", string(dbPuppet.GCID)).Logger(),
		MXID: id.NewUserID(
			br.Config.Bridge.FormatUsername(dbPuppet.GCID),
			br.Config.Homeserver.Domain,
		),
	}
	br.puppetsByGCID[puppet.GCID] = puppet
	if puppet.CustomMXID != "" {
		br.puppetsByCustomMXID[puppet.CustomMXID] = puppet
	}
	return puppet
}

// GetPuppetByGCID returns the ghost for a Google Chat user, creating
// the row on first sight. Concurrent first sights collapse onto one row.
func (br *Bridge) GetPuppetByGCID(gcid gchat.UserID) *Puppet {
	if gcid == "" {
		return nil
	}
	br.puppetsLock.Lock()
	defer br.puppetsLock.Unlock()
	puppet, ok := br.puppetsByGCID[gcid]
	if !ok {
		dbPuppet, err := br.DB.Puppet.GetByGCID(context.TODO(), gcid)
		if err != nil {
			br.Log.Err(err).Str("gcid", string(gcid)).Msg("Failed to get puppet from database")
			return nil
		}
		return br.loadPuppet(dbPuppet, &gcid)
	}
	return puppet
}

// GetPuppetByCustomMXID returns the puppet double-puppeted by the
// given Matrix user, or nil.
func (br *Bridge) GetPuppetByCustomMXID(mxid id.UserID) *Puppet {
	br.puppetsLock.Lock()
	defer br.puppetsLock.Unlock()
	puppet, ok := br.puppetsByCustomMXID[mxid]
	if !ok {
		dbPuppet, err := br.DB.Puppet.GetByCustomMXID(context.TODO(), mxid)
		if err != nil {
			br.Log.Err(err).Stringer("mxid", mxid).Msg("Failed to get puppet from database")
			return nil
		}
		return br.loadPuppet(dbPuppet, nil)
	}
	return puppet
}

// GetPuppetByMXID resolves a ghost MXID back to its puppet, or nil if
// the MXID is not a ghost of this bridge.
func (br *Bridge) GetPuppetByMXID(mxid id.UserID) *Puppet {
	gcid, ok := br.Config.Bridge.ParseUsername(mxid, br.Config.Homeserver.Domain)
	if !ok {
		return nil
	}
	return br.GetPuppetByGCID(gcid)
}

// DefaultIntent returns the ghost's appservice intent.
func (puppet *Puppet) DefaultIntent() *appservice.IntentAPI {
	return puppet.bridge.AS.Intent(puppet.MXID)
}

// CustomIntent returns the double-puppet intent, or nil when the real
// user hasn't enabled double puppeting.
func (puppet *Puppet) CustomIntent() *appservice.IntentAPI {
	return puppet.customIntent
}

// IntentFor returns the intent to act with in the given portal,
// preferring the double-puppet intent outside the user's own DM.
func (puppet *Puppet) IntentFor(portal *Portal) *appservice.IntentAPI {
	if puppet.customIntent != nil && portal.Key.Receiver != puppet.GCID {
		return puppet.customIntent
	}
	return puppet.DefaultIntent()
}

// UpdateInfo syncs the ghost's profile from a Google Chat participant.
// Idempotent: unchanged fields cause no Matrix requests.
func (puppet *Puppet) UpdateInfo(ctx context.Context, info *gchat.User) {
	changed := false
	if err := puppet.DefaultIntent().EnsureRegistered(ctx); err != nil {
		puppet.log.Err(err).Msg("Failed to ensure ghost is registered")
		return
	}
	newName := puppet.bridge.Config.Bridge.FormatDisplayname(DisplaynameParams{
		Name:  info.Name,
		Email: info.Email,
	})
	if newName != puppet.Name || !puppet.NameSet {
		puppet.Name = newName
		puppet.NameSet = false
		if err := puppet.DefaultIntent().SetDisplayName(ctx, newName); err != nil {
			puppet.log.Err(err).Msg("Failed to set ghost displayname")
		} else {
			puppet.NameSet = true
		}
		changed = true
	}
	if info.AvatarURL != puppet.PhotoID || !puppet.AvatarSet {
		changed = puppet.updateAvatar(ctx, info.AvatarURL) || changed
	}
	if changed {
		if err := puppet.Update(ctx); err != nil {
			puppet.log.Err(err).Msg("Failed to save puppet")
		}
	}
}

func (puppet *Puppet) updateAvatar(ctx context.Context, photoID string) bool {
	puppet.PhotoID = photoID
	puppet.AvatarSet = false
	if photoID == "" {
		puppet.PhotoMXC = id.ContentURI{}
	} else {
		mxc, err := puppet.bridge.reuploadAvatar(ctx, puppet.DefaultIntent(), photoID)
		if err != nil {
			puppet.log.Err(err).Msg("Failed to reupload ghost avatar")
			return true
		}
		puppet.PhotoMXC = mxc
	}
	if err := puppet.DefaultIntent().SetAvatarURL(ctx, puppet.PhotoMXC); err != nil {
		puppet.log.Err(err).Msg("Failed to set ghost avatar")
	} else {
		puppet.AvatarSet = true
	}
	return true
}

// StartCustomMXID logs the puppet into the real user's Matrix account
// for double puppeting. With an empty access token, the shared secret
// login is attempted.
func (puppet *Puppet) StartCustomMXID(ctx context.Context, user *User, accessToken string) error {
	if !puppet.bridge.Config.Bridge.DoublePuppetAllowed {
		return fmt.Errorf("double puppeting is disabled")
	}
	if accessToken == "" {
		var err error
		accessToken, err = puppet.bridge.doublePuppetSharedSecretLogin(ctx, user.MXID)
		if err != nil {
			return err
		}
	}
	intent, err := puppet.bridge.newCustomIntent(user.MXID, accessToken)
	if err != nil {
		return err
	}
	if _, err = intent.Whoami(ctx); err != nil {
		return fmt.Errorf("access token check failed: %w", err)
	}
	puppet.CustomMXID = user.MXID
	puppet.AccessToken = accessToken
	puppet.customIntent = intent
	puppet.customUser = user
	user.CustomMXIDAccessToken = accessToken
	if err = user.Update(ctx); err != nil {
		puppet.log.Err(err).Msg("Failed to save user access token")
	}
	if err = puppet.Update(ctx); err != nil {
		return fmt.Errorf("failed to save puppet: %w", err)
	}
	puppet.bridge.puppetsLock.Lock()
	puppet.bridge.puppetsByCustomMXID[user.MXID] = puppet
	puppet.bridge.puppetsLock.Unlock()
	puppet.log.Debug().Stringer("custom_mxid", user.MXID).Msg("Double puppeting enabled")
	return nil
}

// ClearCustomMXID disables double puppeting for this puppet.
func (puppet *Puppet) ClearCustomMXID(ctx context.Context) {
	puppet.bridge.puppetsLock.Lock()
	delete(puppet.bridge.puppetsByCustomMXID, puppet.CustomMXID)
	puppet.bridge.puppetsLock.Unlock()
	puppet.CustomMXID = ""
	puppet.AccessToken = ""
	puppet.customIntent = nil
	puppet.customUser = nil
	if err := puppet.Update(ctx); err != nil {
		puppet.log.Err(err).Msg("Failed to save puppet")
	}
}

// doublePuppetSharedSecretLogin logs in with the homeserver's shared
// secret auth module and returns the access token.
func (br *Bridge) doublePuppetSharedSecretLogin(ctx context.Context, mxid id.UserID) (string, error) {
	secret := br.Config.Bridge.LoginSharedSecret
	if secret == "" {
		return "", fmt.Errorf("no login shared secret configured")
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(mxid))
	client, err := mautrix.NewClient(br.Config.Homeserver.Address, "", "")
	if err != nil {
		return "", err
	}
	resp, err := client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: string(mxid),
		},
		Password:                 hex.EncodeToString(mac.Sum(nil)),
		DeviceID:                 "Google Chat Bridge",
		InitialDeviceDisplayName: "Google Chat Bridge",
	})
	if err != nil {
		return "", fmt.Errorf("shared secret login failed: %w", err)
	}
	return resp.AccessToken, nil
}

// newCustomIntent builds an intent backed by the user's own account.
func (br *Bridge) newCustomIntent(mxid id.UserID, accessToken string) (*appservice.IntentAPI, error) {
	if accessToken == "" {
		return nil, fmt.Errorf("empty access token")
	}
	intent := br.AS.NewIntentAPI("custom")
	intent.AccessToken = accessToken
	intent.UserID = mxid
	intent.IsCustomPuppet = true
	return intent, nil
}

// startCustomMXIDs restores double puppet sessions on startup.
func (br *Bridge) startCustomMXIDs(ctx context.Context) {
	puppets, err := br.DB.Puppet.GetAllWithCustomMXID(ctx)
	if err != nil {
		br.Log.Err(err).Msg("Failed to get puppets with custom MXIDs")
		return
	}
	for _, dbPuppet := range puppets {
		br.puppetsLock.Lock()
		puppet, ok := br.puppetsByGCID[dbPuppet.GCID]
		if !ok {
			puppet = br.loadPuppet(dbPuppet, nil)
		}
		br.puppetsLock.Unlock()
		if puppet == nil {
			continue
		}
		user := br.GetUserByMXID(puppet.CustomMXID)
		if user == nil {
			continue
		}
		if err := puppet.StartCustomMXID(ctx, user, puppet.AccessToken); err != nil {
			puppet.log.Err(err).Msg("Failed to restore double puppet session")
			puppet.ClearCustomMXID(ctx)
		}
	}
}
