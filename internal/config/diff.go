package config

import (
	"strings"

	logx "zulipnotify/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections and safe
// structured attrs for logging. The Zulip token is only reported as rotated.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 12)

	oz, nz := oldCfg.Zulip, newCfg.Zulip
	if oz.Host != nz.Host || oz.Login != nz.Login || oz.Destination != nz.Destination ||
		oz.Topic != nz.Topic || strings.TrimSpace(oz.Timeout) != strings.TrimSpace(nz.Timeout) ||
		oz.Token != nz.Token {
		changed = append(changed, "zulip")
		attrs = append(attrs,
			logx.String("zulip.host", nz.Host),
			logx.String("zulip.login", nz.Login),
			logx.String("zulip.destination", nz.Destination),
			logx.String("zulip.topic", nz.Topic),
			logx.Bool("zulip.token_rotated", oz.Token != nz.Token),
		)
	}

	ol, nl := oldCfg.Logging, newCfg.Logging
	if ol.Level != nl.Level || ol.Console != nl.Console || ol.File != nl.File ||
		ol.Zulip.Enabled != nl.Zulip.Enabled || ol.Zulip.MinLevel != nl.Zulip.MinLevel ||
		bubbleOf(ol.Zulip) != bubbleOf(nl.Zulip) || ol.Zulip.RatePerSec != nl.Zulip.RatePerSec ||
		ol.Zulip.DedupWindow != nl.Zulip.DedupWindow || ol.Zulip.DedupMaxEntries != nl.Zulip.DedupMaxEntries {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", nl.Level),
			logx.Bool("logx.zulip_enabled", nl.Zulip.Enabled),
			logx.String("logx.zulip_min_level", nl.Zulip.MinLevel),
			logx.Bool("logx.zulip_bubble", bubbleOf(nl.Zulip)),
		)
	}

	if derefStorage(oldCfg.Storage) != derefStorage(newCfg.Storage) {
		changed = append(changed, "storage")
		ns := derefStorage(newCfg.Storage)
		attrs = append(attrs, logx.String("storage.driver", ns.Driver), logx.String("storage.path", ns.Path))
	}

	if derefHeartbeat(oldCfg.Heartbeat) != derefHeartbeat(newCfg.Heartbeat) {
		changed = append(changed, "heartbeat")
		nh := derefHeartbeat(newCfg.Heartbeat)
		attrs = append(attrs, logx.Bool("heartbeat.enabled", nh.Enabled), logx.String("heartbeat.schedule", nh.Schedule))
	}

	return changed, attrs
}

func bubbleOf(z LoggingZulip) bool {
	if z.Bubble == nil {
		return true
	}
	return *z.Bubble
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func derefHeartbeat(h *HeartbeatConfig) HeartbeatConfig {
	if h == nil {
		return HeartbeatConfig{}
	}
	return *h
}
