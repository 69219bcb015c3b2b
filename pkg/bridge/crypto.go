// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto"
	"maunium.net/go/mautrix/crypto/sql_store_upgrade"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Crypto is the encryption seam used by portals. A nil Crypto means
// end-to-bridge encryption is disabled.
type Crypto interface {
	Encrypt(ctx context.Context, roomID id.RoomID, evtType event.Type, content *event.Content) (*event.EncryptedEventContent, error)
	Decrypt(ctx context.Context, evt *event.Event) (*event.Event, error)
	HandleMemberEvent(ctx context.Context, evt *event.Event)
	Start(ctx context.Context) error
	Stop()
}

// cryptoHelper implements Crypto on top of an Olm machine with the
// bridge bot's device, using an appservice login for /sync.
type cryptoHelper struct {
	bridge *Bridge
	log    zerolog.Logger
	client *mautrix.Client
	mach   *crypto.OlmMachine
	store  *crypto.SQLCryptoStore

	// lock is held for reading during encrypt and for writing while a
	// group session is being shared, so shares don't race encrypts.
	lock sync.RWMutex

	cancelSync context.CancelFunc
}

func newCryptoHelper(br *Bridge) (*cryptoHelper, error) {
	pickleKey := br.Config.Bridge.Encryption.PickleKey
	if pickleKey == "" {
		return nil, fmt.Errorf("encryption enabled without pickle key")
	}
	log := br.Log.With().Str("component", "crypto").Logger()
	client, err := mautrix.NewClient(br.Config.Homeserver.Address, "", "")
	if err != nil {
		return nil, err
	}
	client.Log = log.With().Str("component", "crypto_client").Logger()
	// Appservice-type login authenticates with the as_token.
	client.AccessToken = br.AS.Registration.AppToken
	helper := &cryptoHelper{
		bridge: br,
		log:    log,
		client: client,
	}
	return helper, nil
}

// Start logs in the bridge bot's crypto device, loads the Olm account
// and begins the /sync loop for to-device events.
func (helper *cryptoHelper) Start(ctx context.Context) error {
	br := helper.bridge
	cryptoDB := br.DB.Child("crypto_version", sql_store_upgrade.Table, dbutil.ZeroLogger(helper.log))
	if err := cryptoDB.Upgrade(ctx); err != nil {
		return fmt.Errorf("failed to upgrade crypto database: %w", err)
	}
	accountID := fmt.Sprintf("%s/%s", br.Bot.UserID, "crypto")
	helper.store = crypto.NewSQLCryptoStore(
		cryptoDB, dbutil.ZeroLogger(helper.log), accountID, "",
		[]byte(br.Config.Bridge.Encryption.PickleKey),
	)
	deviceID, err := helper.store.FindDeviceID(ctx)
	if err != nil {
		return fmt.Errorf("failed to find existing device ID: %w", err)
	}
	if err = helper.login(ctx, deviceID); err != nil {
		return err
	}
	helper.store.DeviceID = helper.client.DeviceID
	machLog := helper.log.With().Str("component", "olm_machine").Logger()
	helper.mach = crypto.NewOlmMachine(helper.client, &machLog, helper.store, br.StateStore)
	if err = helper.mach.Load(ctx); err != nil {
		return fmt.Errorf("failed to load olm machine: %w", err)
	}
	syncCtx, cancel := context.WithCancel(context.Background())
	helper.cancelSync = cancel
	helper.client.Syncer = &cryptoSyncer{mach: helper.mach, log: helper.log}
	helper.client.Store = mautrix.NewMemorySyncStore()
	go helper.syncLoop(syncCtx)
	return nil
}

func (helper *cryptoHelper) login(ctx context.Context, deviceID id.DeviceID) error {
	resp, err := helper.client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypeAppservice,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: string(helper.bridge.Bot.UserID),
		},
		DeviceID:                 deviceID,
		InitialDeviceDisplayName: "Google Chat Bridge",
		StoreCredentials:         true,
	})
	if err != nil {
		return fmt.Errorf("crypto device login failed: %w", err)
	}
	if deviceID != "" && resp.DeviceID != deviceID {
		helper.log.Warn().
			Str("expected", string(deviceID)).
			Str("received", string(resp.DeviceID)).
			Msg("Logged in with unexpected device ID")
	}
	return nil
}

func (helper *cryptoHelper) syncLoop(ctx context.Context) {
	for ctx.Err() == nil {
		err := helper.client.SyncWithContext(ctx)
		if err != nil && ctx.Err() == nil {
			helper.log.Err(err).Msg("Crypto sync failed, restarting")
			time.Sleep(5 * time.Second)
		}
	}
}

func (helper *cryptoHelper) Stop() {
	if helper.cancelSync != nil {
		helper.cancelSync()
	}
	helper.client.StopSync()
}

// Encrypt encrypts content for a room. When the outbound Megolm
// session is expired or unshared, keys are shared and the encrypt is
// retried once.
func (helper *cryptoHelper) Encrypt(ctx context.Context, roomID id.RoomID, evtType event.Type, content *event.Content) (*event.EncryptedEventContent, error) {
	helper.lock.RLock()
	encrypted, err := helper.mach.EncryptMegolmEvent(ctx, roomID, evtType, content)
	helper.lock.RUnlock()
	if err != nil {
		if !isRetryableEncryptError(err) {
			return nil, err
		}
		helper.lock.Lock()
		defer helper.lock.Unlock()
		users, shareErr := helper.bridge.StateStore.GetRoomJoinedOrInvitedMembers(ctx, roomID)
		if shareErr != nil {
			return nil, fmt.Errorf("failed to get room members for key sharing: %w", shareErr)
		}
		if shareErr = helper.mach.ShareGroupSession(ctx, roomID, users); shareErr != nil {
			return nil, fmt.Errorf("failed to share group session: %w", shareErr)
		}
		encrypted, err = helper.mach.EncryptMegolmEvent(ctx, roomID, evtType, content)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt after sharing session: %w", err)
		}
	}
	return encrypted, nil
}

func isRetryableEncryptError(err error) bool {
	return errors.Is(err, crypto.SessionExpired) ||
		errors.Is(err, crypto.SessionNotShared) ||
		errors.Is(err, crypto.NoGroupSession)
}

// Decrypt decrypts a Megolm event. When the session key hasn't
// arrived yet, it waits a bounded time for the key and retries once.
func (helper *cryptoHelper) Decrypt(ctx context.Context, evt *event.Event) (*event.Event, error) {
	decrypted, err := helper.mach.DecryptMegolmEvent(ctx, evt)
	if errors.Is(err, crypto.NoSessionFound) {
		content := evt.Content.AsEncrypted()
		helper.log.Debug().
			Str("session_id", string(content.SessionID)).
			Stringer("event_id", evt.ID).
			Msg("No session found to decrypt event, waiting for key")
		if !helper.mach.WaitForSession(ctx, evt.RoomID, content.SenderKey, content.SessionID, time.Duration(helper.bridge.Config.Bridge.Encryption.DecryptRetryTimeout)) {
			return nil, fmt.Errorf("didn't receive encryption key for session %s", content.SessionID)
		}
		decrypted, err = helper.mach.DecryptMegolmEvent(ctx, evt)
	}
	if err != nil {
		return nil, err
	}
	return decrypted, nil
}

// HandleMemberEvent feeds membership changes in encrypted rooms into
// the Olm machine so device lists stay current.
func (helper *cryptoHelper) HandleMemberEvent(ctx context.Context, evt *event.Event) {
	helper.mach.HandleMemberEvent(ctx, evt)
}

// cryptoSyncer routes /sync responses straight into the Olm machine.
type cryptoSyncer struct {
	mach *crypto.OlmMachine
	log  zerolog.Logger
}

func (syncer *cryptoSyncer) ProcessResponse(ctx context.Context, resp *mautrix.RespSync, since string) error {
	done := make(chan struct{})
	go func() {
		defer func() {
			if panicErr := recover(); panicErr != nil {
				syncer.log.Error().
					Any("panic", panicErr).
					Str("since", since).
					Msg("Panic while processing crypto sync response")
			}
			close(done)
		}()
		syncer.mach.ProcessSyncResponse(ctx, resp, since)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		syncer.log.Warn().Str("since", since).Msg("Crypto sync processing is taking unusually long")
		<-done
	}
	return nil
}

func (syncer *cryptoSyncer) OnFailedSync(_ *mautrix.RespSync, err error) (time.Duration, error) {
	syncer.log.Err(err).Msg("Crypto sync request failed")
	return 10 * time.Second, nil
}

func (syncer *cryptoSyncer) GetFilterJSON(_ id.UserID) *mautrix.Filter {
	everything := []event.Type{{Type: "*"}}
	return &mautrix.Filter{
		Presence:    &mautrix.FilterPart{NotTypes: everything},
		AccountData: &mautrix.FilterPart{NotTypes: everything},
		Room: &mautrix.RoomFilter{
			IncludeLeave: false,
			Ephemeral:    &mautrix.FilterPart{NotTypes: everything},
			AccountData:  &mautrix.FilterPart{NotTypes: everything},
			State:        &mautrix.FilterPart{NotTypes: everything},
			Timeline:     &mautrix.FilterPart{NotTypes: everything},
		},
	}
}
