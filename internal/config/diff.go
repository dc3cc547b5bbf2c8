package config

import (
	"reflect"
	"sort"
	"strings"

	logx "guildbot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus
// safe structured attrs for logging. Secrets (webhook URLs, tokens) are
// reported as present/absent, never by value.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Webhook (never log endpoint URLs, they carry credentials)
	if oldCfg.Webhook != newCfg.Webhook {
		changed = append(changed, "webhook")
		attrs = append(attrs,
			logx.Bool("webhook.endpoint_set", strings.TrimSpace(newCfg.Webhook.Endpoint) != ""),
			logx.Bool("webhook.debug_endpoint_set", strings.TrimSpace(newCfg.Webhook.DebugEndpoint) != ""),
			logx.Bool("webhook.debug_mode", newCfg.Webhook.DebugMode),
			logx.String("webhook.min_interval", strings.TrimSpace(newCfg.Webhook.MinInterval)),
		)
	}

	// Stats (never log token)
	if oldCfg.Stats != newCfg.Stats {
		changed = append(changed, "stats")
		attrs = append(attrs,
			logx.String("stats.base_url", strings.TrimSpace(newCfg.Stats.BaseURL)),
			logx.Bool("stats.token_set", strings.TrimSpace(newCfg.Stats.Token) != ""),
			logx.String("stats.timeout", strings.TrimSpace(newCfg.Stats.Timeout)),
		)
	}

	if oldCfg.Pending != newCfg.Pending {
		changed = append(changed, "pending")
		attrs = append(attrs,
			logx.String("pending.expires_after", strings.TrimSpace(newCfg.Pending.ExpiresAfter)),
			logx.String("pending.recheck_window", strings.TrimSpace(newCfg.Pending.RecheckWindow)),
			logx.Int("pending.poll_budget", newCfg.Pending.PollBudget),
		)
	}

	if oldCfg.State != newCfg.State {
		changed = append(changed, "state")
		attrs = append(attrs,
			logx.String("state.driver", strings.TrimSpace(newCfg.State.Driver)),
			logx.Bool("state.path_set", strings.TrimSpace(newCfg.State.Path) != ""),
			logx.Bool("state.gist_id_set", strings.TrimSpace(newCfg.State.GistID) != ""),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.spec", strings.TrimSpace(newCfg.Scheduler.Spec)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	// Trigger (never log token)
	if oldCfg.Trigger != newCfg.Trigger {
		changed = append(changed, "trigger")
		attrs = append(attrs,
			logx.Bool("trigger.enabled", newCfg.Trigger.Enabled),
			logx.String("trigger.addr", strings.TrimSpace(newCfg.Trigger.Addr)),
			logx.Bool("trigger.token_set", strings.TrimSpace(newCfg.Trigger.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Subjects, newCfg.Subjects) {
		changed = append(changed, "subjects")
		attrs = append(attrs, logx.Int("subjects.count", len(newCfg.Subjects)))
	}

	if oldCfg.TestMode != newCfg.TestMode {
		changed = append(changed, "test_mode")
		attrs = append(attrs, logx.Bool("test_mode", newCfg.TestMode))
	}

	sort.Strings(changed)
	return changed, attrs
}
