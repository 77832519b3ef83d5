package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/nhle/task-sync/internal/credential"
	"github.com/nhle/task-sync/internal/model"
	"github.com/nhle/task-sync/internal/store"
)

// ErrNotConfigured is returned by operations that need VAPID keys when
// none could be loaded. Push is then a silent no-op, not a failure.
var ErrNotConfigured = errors.New("push is not configured")

// vapidSettingKey names the stored key pair in both the settings table
// and the keyring.
const vapidSettingKey = "vapid_keys"

// Keys is the VAPID key pair used to sign push requests. Both halves are
// base64url encoded as produced by webpush.GenerateVAPIDKeys.
type Keys struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// KeySource says where a loaded key pair came from.
type KeySource string

const (
	KeySourceConfig    KeySource = "config"
	KeySourceStored    KeySource = "stored"
	KeySourceGenerated KeySource = "generated"
)

// SecretStore is the subset of credential.Store used for keys.
type SecretStore interface {
	Get(key string) (string, error)
	Set(key, value string) error
}

// KeyLoader initializes the process-wide VAPID key pair once at startup.
type KeyLoader struct {
	// Config supplies the override pair and the persistence backend.
	Config model.PushConfig

	// Settings is used when Config.KeyStore is model.KeyStoreDB.
	Settings store.SettingsStore

	// Secrets is used when Config.KeyStore is model.KeyStoreKeyring.
	Secrets SecretStore

	// Generate defaults to webpush.GenerateVAPIDKeys.
	Generate func() (privateKey, publicKey string, err error)

	// LoadOnly stops Load at the stored pair: when none exists it returns
	// ErrNotConfigured instead of generating and persisting one.
	LoadOnly bool
}

// Load resolves the key pair in order: explicit configuration (usually
// from the environment), then the stored pair, then a freshly generated
// pair that is persisted for the next start.
func (l KeyLoader) Load(ctx context.Context) (*Keys, KeySource, error) {
	if l.Config.PublicKey != "" && l.Config.PrivateKey != "" {
		return &Keys{PublicKey: l.Config.PublicKey, PrivateKey: l.Config.PrivateKey}, KeySourceConfig, nil
	}

	stored, err := l.loadStored(ctx)
	if err != nil {
		return nil, "", err
	}
	if stored != nil {
		return stored, KeySourceStored, nil
	}
	if l.LoadOnly {
		return nil, "", ErrNotConfigured
	}

	generate := l.Generate
	if generate == nil {
		generate = webpush.GenerateVAPIDKeys
	}
	privateKey, publicKey, err := generate()
	if err != nil {
		return nil, "", fmt.Errorf("generating VAPID keys: %w", err)
	}

	keys, err := l.persist(ctx, &Keys{PublicKey: publicKey, PrivateKey: privateKey})
	if err != nil {
		return nil, "", err
	}
	return keys, KeySourceGenerated, nil
}

func (l KeyLoader) loadStored(ctx context.Context) (*Keys, error) {
	var raw string
	var err error

	switch l.Config.KeyStore {
	case model.KeyStoreKeyring:
		if l.Secrets == nil {
			return nil, errors.New("keyring key store selected but no keyring available")
		}
		raw, err = l.Secrets.Get(vapidSettingKey)
		if errors.Is(err, credential.ErrNotFound) {
			return nil, nil
		}
	default:
		raw, err = l.Settings.GetSetting(ctx, vapidSettingKey)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("loading stored VAPID keys: %w", err)
	}

	return decodeKeys(raw)
}

func (l KeyLoader) persist(ctx context.Context, keys *Keys) (*Keys, error) {
	raw, err := json.Marshal(keys)
	if err != nil {
		return nil, fmt.Errorf("encoding VAPID keys: %w", err)
	}

	switch l.Config.KeyStore {
	case model.KeyStoreKeyring:
		if err := l.Secrets.Set(vapidSettingKey, string(raw)); err != nil {
			return nil, fmt.Errorf("storing VAPID keys: %w", err)
		}
		return keys, nil
	default:
		// Another process may have initialized first; keep its pair.
		stored, err := l.Settings.SetSettingIfAbsent(ctx, vapidSettingKey, string(raw))
		if err != nil {
			return nil, fmt.Errorf("storing VAPID keys: %w", err)
		}
		return decodeKeys(stored)
	}
}

func decodeKeys(raw string) (*Keys, error) {
	var keys Keys
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, fmt.Errorf("decoding stored VAPID keys: %w", err)
	}
	if keys.PublicKey == "" || keys.PrivateKey == "" {
		return nil, errors.New("decoding stored VAPID keys: incomplete key pair")
	}
	return &keys, nil
}
