// Package config contains the configuration for a running swarmingserver
// instance.
package config

// StoreConfig points at the Firestore project and instance holding the bot
// registry.
type StoreConfig struct {
	// Project is the GCP project of the Firestore database.
	Project string `json:"project"`

	// Instance separates the data of multiple running instances within one
	// project, e.g. "prod" or "test".
	Instance string `json:"instance"`
}

// PubSubConfig describes where task completion notifications are published.
type PubSubConfig struct {
	// Project is the GCP project containing the topic.
	Project string `json:"project"`

	// Topic is the global completion topic, or "" to disable the global
	// stream. Per-request topics are honored either way.
	Topic string `json:"topic"`
}

// BotGroupConfig is one group of bots in the bots section of the config file.
// Groups are evaluated direct bot_id matches first, then bot_id_prefix
// matches in the order they appear, then the default group, which is the one
// group with neither bot_id nor bot_id_prefix entries.
type BotGroupConfig struct {
	// BotId lists the bots in this group. Entries may use a single {...}
	// section containing a comma list ("vm{a,b}") or an inclusive integer
	// range ("vm{1..3}").
	BotId []string `json:"bot_id,omitempty"`

	// BotIdPrefix lists bot id prefixes matched by this group.
	BotIdPrefix []string `json:"bot_id_prefix,omitempty"`

	// Owners are email addresses shown for the group's bots.
	Owners []string `json:"owners,omitempty"`

	// Dimensions are "key:value" pairs injected into the dimensions of
	// every bot in the group. Values of trusted dimensions come only from
	// here, never from the bot.
	Dimensions []string `json:"dimensions,omitempty"`

	// MachineType marks the group's bots as leased or ephemeral machines.
	MachineType string `json:"machine_type,omitempty"`
}

// BotsConfig is the bots section of the config file.
type BotsConfig struct {
	// TrustedDimensions are dimension keys whose values the server owns.
	// Bot-advertised values for these keys are discarded.
	TrustedDimensions []string `json:"trusted_dimensions,omitempty"`

	// BotGroup lists the groups. At most one group may omit both bot_id
	// and bot_id_prefix; it becomes the default group.
	BotGroup []*BotGroupConfig `json:"bot_group,omitempty"`
}

// InstanceConfig is the config for an instance of swarmingserver.
type InstanceConfig struct {
	// ServerVersion is reported to bots and in server/details.
	ServerVersion string `json:"server_version"`

	// Store locates the Firestore bot registry. If Project is empty the
	// server falls back to the in-memory bot store.
	Store StoreConfig `json:"store"`

	// PubSub configures completion notifications. If Project is empty
	// notifications are disabled.
	PubSub PubSubConfig `json:"pubsub"`

	// TaskDbFile is the path of the BoltDB task database. If empty an
	// in-memory task store is used.
	TaskDbFile string `json:"task_db_file"`

	// BotDeathTimeoutSecs is how long a bot may go without polling before
	// its running task is abandoned and the bot is marked missing.
	BotDeathTimeoutSecs int64 `json:"bot_death_timeout_secs"`

	// LifecycleTickSecs is the period of the background sweep.
	LifecycleTickSecs int64 `json:"lifecycle_tick_secs"`

	// DedupTtlSecs is how long completed results are reusable for
	// idempotent requests. Zero means the default of seven days.
	DedupTtlSecs int64 `json:"dedup_ttl_secs"`

	// Bots assigns bots to groups and injects dimensions.
	Bots BotsConfig `json:"bots"`
}
