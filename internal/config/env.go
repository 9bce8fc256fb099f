package config

import (
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"

	"groupwatch/internal/transport"
)

// envOverrides mirrors the config keys an operator is most likely to set
// without touching the file: the token, the scope and the bind address.
type envOverrides struct {
	Token       string   `env:"GW_TELEGRAM_TOKEN"`
	GroupIDs    []int64  `env:"GW_MONITOR_GROUP_IDS" envSeparator:","`
	UserIDs     []string `env:"GW_MONITOR_USER_IDS" envSeparator:","`
	GatewayAddr string   `env:"GW_GATEWAY_ADDR"`
}

// ApplyEnv overlays environment variables onto cfg. Set variables win over
// file values; unset ones leave the file values alone.
func ApplyEnv(cfg *Config) error {
	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return err
	}
	if ov.Token != "" {
		cfg.Telegram.Token = ov.Token
	}
	if len(ov.GroupIDs) > 0 {
		cfg.Monitor.GroupIDs = ov.GroupIDs
	}
	if len(ov.UserIDs) > 0 {
		cfg.Monitor.UserIDs = ov.UserIDs
	}
	if ov.GatewayAddr != "" {
		cfg.Gateway.Addr = ov.GatewayAddr
	}
	return nil
}

// UserRefs parses monitor.user_ids entries: numeric ids or usernames with
// optional @ prefix. Blank entries are dropped.
func (c MonitorConfig) UserRefs() []transport.EntityRef {
	refs := make([]transport.EntityRef, 0, len(c.UserIDs))
	for _, raw := range c.UserIDs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if id, err := strconv.ParseInt(strings.TrimPrefix(raw, "@"), 10, 64); err == nil {
			refs = append(refs, transport.RefID(id))
			continue
		}
		refs = append(refs, transport.RefUsername(raw))
	}
	return refs
}
