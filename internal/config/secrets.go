package config

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	// Exchange
	out.Exchange = cfg.Exchange
	redact(&out.Exchange.ApiKey)
	redact(&out.Exchange.ApiSecret)
	redact(&out.Exchange.KeyPassphrase)

	// Journal
	out.Journal = cfg.Journal
	redact(&out.Journal.DSN)
	redact(&out.Journal.Password)

	// Redis
	out.Redis = cfg.Redis
	redact(&out.Redis.Password)

	// S3
	out.S3 = cfg.S3
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	// Server
	out.Server = cfg.Server
	redact(&out.Server.APIKey)

	// Notify
	out.Notify = cfg.Notify
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	if cfg.Notify.Events != nil {
		out.Notify.Events = make([]string, len(cfg.Notify.Events))
		copy(out.Notify.Events, cfg.Notify.Events)
	}
	if cfg.Exit.TakeProfits != nil {
		out.Exit.TakeProfits = make([]TakeProfitLevelConfig, len(cfg.Exit.TakeProfits))
		copy(out.Exit.TakeProfits, cfg.Exit.TakeProfits)
	}
	if cfg.Analyzers.Active != nil {
		out.Analyzers.Active = make([]string, len(cfg.Analyzers.Active))
		copy(out.Analyzers.Active, cfg.Analyzers.Active)
	}

	// Copy maps so mutations to the redacted copy do not affect the original.
	if cfg.Aggregation.Weights != nil {
		out.Aggregation.Weights = make(map[string]float64, len(cfg.Aggregation.Weights))
		for k, v := range cfg.Aggregation.Weights {
			out.Aggregation.Weights[k] = v
		}
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
