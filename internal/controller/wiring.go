package controller

import (
	"fmt"

	"github.com/bhandras/delight/mobile/internal/config"
	"github.com/bhandras/delight/mobile/internal/crypto"
	"github.com/bhandras/delight/mobile/internal/history"
	"github.com/bhandras/delight/mobile/internal/permission"
	"github.com/bhandras/delight/mobile/internal/store"
	"github.com/bhandras/delight/mobile/internal/transport"
)

// OptionsFromConfig builds production Options: the configured transport,
// the REST history client and the persisted-id store. The caller owns the
// returned store through Controller.Close.
func OptionsFromConfig(cfg *config.Config, listener Listener) (Options, error) {
	dialer, err := transport.New(cfg.Transport)
	if err != nil {
		return Options{}, err
	}
	scope, err := permission.ParseScope(cfg.AlwaysAllowScope)
	if err != nil {
		return Options{}, err
	}

	fetcher := &history.Fetcher{Client: history.NewRESTClient(cfg.ServerURL, cfg.AuthToken)}
	if cfg.DataKey != "" {
		key, err := crypto.ParseKey(cfg.DataKey)
		if err != nil {
			return Options{}, fmt.Errorf("data key: %w", err)
		}
		fetcher.Key = key
	}

	st, err := store.Open(cfg.Store, cfg.DelightHome)
	if err != nil {
		return Options{}, err
	}

	return Options{
		ServerURL:         cfg.ServerURL,
		Token:             cfg.AuthToken,
		SessionID:         cfg.SessionID,
		ContextKey:        cfg.ContextKey,
		Policy:            cfg.Policy(),
		PermissionScope:   scope,
		PermissionTimeout: cfg.PermissionTimeout,
		HistoryPageSize:   cfg.HistoryPageSize,
		Dialer:            dialer,
		History:           fetcher,
		Store:             st,
		Listener:          listener,
	}, nil
}
