// Copyright 2024-2026 Aiku AI

package bridge

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-googlechat/pkg/gchat"
)

//go:embed example-config.yaml
var ExampleConfig string

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the full bridge configuration.
type Config struct {
	Homeserver struct {
		Address string `yaml:"address"`
		Domain  string `yaml:"domain"`
	} `yaml:"homeserver"`

	AppService struct {
		Address  string `yaml:"address"`
		Hostname string `yaml:"hostname"`
		Port     uint16 `yaml:"port"`

		ID          string `yaml:"id"`
		BotUsername string `yaml:"bot_username"`
		BotAvatar   string `yaml:"bot_avatar"`

		ASToken string `yaml:"as_token"`
		HSToken string `yaml:"hs_token"`
	} `yaml:"appservice"`

	Database struct {
		Type string `yaml:"type"`
		URI  string `yaml:"uri"`

		MaxOpenConns int `yaml:"max_open_conns"`
		MaxIdleConns int `yaml:"max_idle_conns"`
	} `yaml:"database"`

	GoogleChat struct {
		OAuthClientID     string   `yaml:"oauth_client_id"`
		OAuthClientSecret string   `yaml:"oauth_client_secret"`
		PollInterval      Duration `yaml:"poll_interval"`
	} `yaml:"googlechat"`

	Bridge BridgeConfig `yaml:"bridge"`

	Provisioning struct {
		Enabled      bool   `yaml:"enabled"`
		Listen       string `yaml:"listen"`
		SharedSecret string `yaml:"shared_secret"`
	} `yaml:"provisioning"`

	Logging struct {
		MinLevel string `yaml:"min_level"`
		Writers  string `yaml:"writers"`
	} `yaml:"logging"`
}

// BridgeConfig holds the bridge-behavior section.
type BridgeConfig struct {
	UsernameTemplate    string `yaml:"username_template"`
	DisplaynameTemplate string `yaml:"displayname_template"`
	CommandPrefix       string `yaml:"command_prefix"`

	DeliveryReceipts    bool `yaml:"delivery_receipts"`
	FederateRooms       bool `yaml:"federate_rooms"`
	SyncDirectChatList  bool `yaml:"sync_direct_chat_list"`
	InviteOwnPuppetToPM bool `yaml:"invite_own_puppet_to_pm"`

	DoublePuppetAllowed bool   `yaml:"double_puppet_allowed"`
	LoginSharedSecret   string `yaml:"login_shared_secret"`

	DefaultRelayMode bool `yaml:"default_relay_mode"`
	// RelayFormat renders the body prefix for relayed messages from
	// unmapped Matrix users.
	RelayFormat string `yaml:"relay_format"`

	Backfill struct {
		Enabled      bool `yaml:"enabled"`
		InitialLimit int  `yaml:"initial_limit"`
		MissedLimit  int  `yaml:"missed_limit"`
	} `yaml:"backfill"`

	Encryption struct {
		Allow     bool   `yaml:"allow"`
		Default   bool   `yaml:"default"`
		PickleKey string `yaml:"pickle_key"`
		Rotation  struct {
			// Messages is the Megolm session message-count threshold.
			Messages int `yaml:"messages"`
			// Milliseconds is the session age threshold.
			Milliseconds int64 `yaml:"milliseconds"`
		} `yaml:"rotation"`
		// BlockOnDecryptFailure makes an undecryptable event block the
		// portal queue until its retry resolves, preserving strict
		// order at the cost of head-of-line blocking. Off by default:
		// failed events are retried out of band.
		BlockOnDecryptFailure bool `yaml:"block_on_decrypt_failure"`
		DecryptRetryTimeout   Duration `yaml:"decrypt_retry_timeout"`
	} `yaml:"encryption"`

	Reconnect struct {
		MinBackoff Duration `yaml:"min_backoff"`
		MaxBackoff Duration `yaml:"max_backoff"`
	} `yaml:"reconnect"`

	PortalQueueSize int `yaml:"portal_queue_size"`

	usernameTemplate    *template.Template `yaml:"-"`
	displaynameTemplate *template.Template `yaml:"-"`
}

// DisplaynameParams feeds the displayname template.
type DisplaynameParams struct {
	Name  string
	Email string
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess compiles templates and applies defaults. Must be called
// once after unmarshaling, before the config is used.
func (c *Config) PostProcess() error {
	var err error
	bc := &c.Bridge
	bc.usernameTemplate, err = template.New("username").Parse(bc.UsernameTemplate)
	if err != nil {
		return fmt.Errorf("invalid username_template: %w", err)
	}
	bc.displaynameTemplate, err = template.New("displayname").Parse(bc.DisplaynameTemplate)
	if err != nil {
		return fmt.Errorf("invalid displayname_template: %w", err)
	}
	if bc.CommandPrefix == "" {
		bc.CommandPrefix = "!gc"
	}
	if bc.PortalQueueSize <= 0 {
		bc.PortalQueueSize = 64
	}
	if bc.Reconnect.MinBackoff <= 0 {
		bc.Reconnect.MinBackoff = Duration(2 * time.Second)
	}
	if bc.Reconnect.MaxBackoff <= 0 {
		bc.Reconnect.MaxBackoff = Duration(5 * time.Minute)
	}
	if bc.Encryption.Rotation.Messages <= 0 {
		bc.Encryption.Rotation.Messages = 100
	}
	if bc.Encryption.Rotation.Milliseconds <= 0 {
		bc.Encryption.Rotation.Milliseconds = (7 * 24 * time.Hour).Milliseconds()
	}
	if bc.Encryption.DecryptRetryTimeout <= 0 {
		bc.Encryption.DecryptRetryTimeout = Duration(30 * time.Second)
	}
	if bc.RelayFormat == "" {
		bc.RelayFormat = "%s: %s"
	}
	return nil
}

// FormatUsername renders the ghost localpart for a Google Chat user ID.
func (bc *BridgeConfig) FormatUsername(gcid gchat.UserID) string {
	var sb strings.Builder
	err := bc.usernameTemplate.Execute(&sb, string(gcid))
	if err != nil {
		return string(gcid)
	}
	return sb.String()
}

// FormatDisplayname renders the ghost display name for a participant.
func (bc *BridgeConfig) FormatDisplayname(params DisplaynameParams) string {
	var sb strings.Builder
	err := bc.displaynameTemplate.Execute(&sb, params)
	if err != nil {
		return params.Name
	}
	return sb.String()
}

// ParseUsername extracts the Google Chat user ID from a ghost MXID
// localpart, reporting whether the MXID is a ghost of this bridge.
func (bc *BridgeConfig) ParseUsername(mxid id.UserID, domain string) (gchat.UserID, bool) {
	localpart, homeserver, err := mxid.Parse()
	if err != nil || homeserver != domain {
		return "", false
	}
	prefix, suffix, ok := templateAffixes(bc.UsernameTemplate)
	if !ok {
		return "", false
	}
	if !strings.HasPrefix(localpart, prefix) || !strings.HasSuffix(localpart, suffix) {
		return "", false
	}
	inner := localpart[len(prefix) : len(localpart)-len(suffix)]
	if inner == "" {
		return "", false
	}
	return gchat.UserID(inner), true
}

// templateAffixes splits a "prefix{{.}}suffix" template.
func templateAffixes(tmpl string) (prefix, suffix string, ok bool) {
	idx := strings.Index(tmpl, "{{.}}")
	if idx < 0 {
		return "", "", false
	}
	return tmpl[:idx], tmpl[idx+len("{{.}}"):], true
}

// LoadConfig reads, upgrades and parses the config file.
func LoadConfig(path string) (*Config, error) {
	data, _, err := up.Do(path, true, Upgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err = cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WriteExampleConfig writes the embedded example config to path.
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(ExampleConfig), 0o600)
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver", "address")
	helper.Copy(up.Str, "homeserver", "domain")
	helper.Copy(up.Str, "appservice", "address")
	helper.Copy(up.Str, "appservice", "hostname")
	helper.Copy(up.Int, "appservice", "port")
	helper.Copy(up.Str, "appservice", "id")
	helper.Copy(up.Str, "appservice", "bot_username")
	helper.Copy(up.Str, "appservice", "bot_avatar")
	helper.Copy(up.Str, "appservice", "as_token")
	helper.Copy(up.Str, "appservice", "hs_token")
	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")
	helper.Copy(up.Int, "database", "max_open_conns")
	helper.Copy(up.Int, "database", "max_idle_conns")
	helper.Copy(up.Str, "googlechat", "oauth_client_id")
	helper.Copy(up.Str, "googlechat", "oauth_client_secret")
	helper.Copy(up.Str, "googlechat", "poll_interval")
	helper.Copy(up.Str, "bridge", "username_template")
	helper.Copy(up.Str, "bridge", "displayname_template")
	helper.Copy(up.Str, "bridge", "command_prefix")
	helper.Copy(up.Bool, "bridge", "delivery_receipts")
	helper.Copy(up.Bool, "bridge", "federate_rooms")
	helper.Copy(up.Bool, "bridge", "sync_direct_chat_list")
	helper.Copy(up.Bool, "bridge", "invite_own_puppet_to_pm")
	helper.Copy(up.Bool, "bridge", "double_puppet_allowed")
	helper.Copy(up.Str, "bridge", "login_shared_secret")
	helper.Copy(up.Bool, "bridge", "default_relay_mode")
	helper.Copy(up.Str, "bridge", "relay_format")
	helper.Copy(up.Bool, "bridge", "backfill", "enabled")
	helper.Copy(up.Int, "bridge", "backfill", "initial_limit")
	helper.Copy(up.Int, "bridge", "backfill", "missed_limit")
	helper.Copy(up.Bool, "bridge", "encryption", "allow")
	helper.Copy(up.Bool, "bridge", "encryption", "default")
	helper.Copy(up.Str, "bridge", "encryption", "pickle_key")
	helper.Copy(up.Int, "bridge", "encryption", "rotation", "messages")
	helper.Copy(up.Int, "bridge", "encryption", "rotation", "milliseconds")
	helper.Copy(up.Bool, "bridge", "encryption", "block_on_decrypt_failure")
	helper.Copy(up.Str, "bridge", "encryption", "decrypt_retry_timeout")
	helper.Copy(up.Str, "bridge", "reconnect", "min_backoff")
	helper.Copy(up.Str, "bridge", "reconnect", "max_backoff")
	helper.Copy(up.Int, "bridge", "portal_queue_size")
	helper.Copy(up.Bool, "provisioning", "enabled")
	helper.Copy(up.Str, "provisioning", "listen")
	helper.Copy(up.Str, "provisioning", "shared_secret")
	helper.Copy(up.Str, "logging", "min_level")
	helper.Copy(up.Str, "logging", "writers")
}

// Upgrader fills missing config keys from the example config.
var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Blocks: [][]string{
		{"homeserver"},
		{"appservice"},
		{"database"},
		{"googlechat"},
		{"bridge"},
		{"provisioning"},
		{"logging"},
	},
	Base: ExampleConfig,
}
