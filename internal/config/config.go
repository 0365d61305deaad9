package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"alertengine/internal/templatefmt"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultServiceName        = "alertengine"
	defaultHTTPListen         = ":8080"
	defaultHealthPath         = "/healthz"
	defaultReadyPath          = "/readyz"
	defaultNATSURL            = "nats://127.0.0.1:4222"
	defaultNATSSubject        = "alertengine.events"
	defaultNATSIngestStream   = "ALERTENGINE_EVENTS"
	defaultNATSIngestConsumer = "alertengine-ingest"
	defaultNATSIngestGroup    = "alertengine-workers"
	defaultNATSAckWaitSec     = 30
	defaultNATSNackDelayMS    = 1000
	defaultNATSMaxDeliver     = -1
	defaultNATSMaxAckPending  = 2048
	defaultDedupBucket        = "alertengine_dedup"
	defaultThrottleBucket     = "alertengine_throttle"
	defaultRetryStream        = "ALERTENGINE_RETRY"
	defaultRetrySubject       = "alertengine.delivery.retry"
	defaultRetryConsumer      = "alertengine-retry"
	defaultRetryGroup         = "alertengine-retry-workers"
	defaultRetryDLQStream     = "ALERTENGINE_RETRY_DLQ"
	defaultRetryDLQSubject    = "alertengine.delivery.dlq"
	defaultShards             = 4
	defaultRuleParallelism    = 8
	defaultDigestTickSec      = 60
	defaultQuietTickSec       = 30
	defaultSweepIntervalSec   = 60
	defaultQueueSize          = 1024
	defaultDeliveryWorkers    = 4
	defaultMaxAttempts        = 3
	defaultInitialBackoffMS   = 200
	defaultMaxBackoffMS       = 5000
	defaultChannelTimeoutSec  = 10
	defaultMemoryRetryLimit   = 4096
	defaultPreviewWindowDays  = 30
	defaultPreviewMaxEvents   = 10000
	defaultPreviewSampleSize  = 5
	defaultInAppPrefix        = "user_noti:"
	defaultInAppInboxLimit    = 100
	defaultRedisKeyPrefix     = "alertengine:"
	defaultTelegramAPIBase    = "https://api.telegram.org"
	defaultPayloadTitle       = `[{{ .Severity }}] {{ .RuleName }}`
	defaultPayloadBody        = `{{ .MatchCount }} match(es) at {{ .TriggeredAt.Format "2006-01-02 15:04:05 MST" }}`

	// ServiceModeNATS shares NATS-backed ingest/state across replicas.
	ServiceModeNATS = "nats"
	// ServiceModeSingle keeps single-instance mode without NATS dependencies.
	ServiceModeSingle = "single"

	// StateBackendMemory keeps dedup/throttle state in process memory.
	StateBackendMemory = "memory"
	// StateBackendNATS keeps dedup/throttle state in JetStream KV.
	StateBackendNATS = "nats"
	// StateBackendRedis keeps dedup/throttle state in Redis.
	StateBackendRedis = "redis"

	// HistoryBackendMemory keeps triggered events in process memory.
	HistoryBackendMemory = "memory"
	// HistoryBackendPostgres keeps triggered events in PostgreSQL.
	HistoryBackendPostgres = "postgres"

	// RetryBackendMemory keeps overflowed deliveries in a bounded slice.
	RetryBackendMemory = "memory"
	// RetryBackendNATS keeps overflowed deliveries in a JetStream stream.
	RetryBackendNATS = "nats"

	// ChannelWebhook identifies generic JSON webhook adapter.
	ChannelWebhook = "webhook"
	// ChannelSlack identifies Slack incoming-webhook adapter.
	ChannelSlack = "slack"
	// ChannelTelegram identifies Telegram adapter.
	ChannelTelegram = "telegram"
	// ChannelInApp identifies Redis-backed in-app adapter.
	ChannelInApp = "inapp"
)

var (
	channelOrder = []string{ChannelWebhook, ChannelSlack, ChannelTelegram, ChannelInApp}

	legacyRuleArrayPattern       = regexp.MustCompile(`(?m)^\s*\[\[\s*rule\s*\]\]`)
	legacyPreferenceArrayPattern = regexp.MustCompile(`(?m)^\s*\[\[\s*preference\s*\]\]`)
	fixedIngestKeysPattern       = regexp.MustCompile(`(?mi)^\s*(?:subject|stream|consumer_name|deliver_group)\s*=`)
)

// Config holds service runtime settings, preferences, and seeded alert rules.
// Params: TOML sections from file or merged directory snapshot plus env secrets.
// Returns: validated runtime configuration.
type Config struct {
	Service     ServiceConfig
	Log         LogConfig
	HTTP        HTTPConfig
	Ingest      IngestConfig
	State       StateConfig
	Redis       RedisConfig
	History     HistoryConfig
	Delivery    DeliveryConfig
	Notify      NotifyConfig
	Preview     PreviewConfig
	Preferences []PreferenceConfig
	Rule        []RuleConfig
}

// rawConfig mirrors TOML model before runtime normalization.
// Params: decoded sections from one TOML source.
// Returns: raw rule/preference maps keyed by table name.
type rawConfig struct {
	Service    ServiceConfig                  `toml:"service"`
	Log        LogConfig                      `toml:"log"`
	HTTP       HTTPConfig                     `toml:"http"`
	Ingest     IngestConfig                   `toml:"ingest"`
	State      StateConfig                    `toml:"state"`
	Redis      RedisConfig                    `toml:"redis"`
	History    HistoryConfig                  `toml:"history"`
	Delivery   DeliveryConfig                 `toml:"delivery"`
	Notify     NotifyConfig                   `toml:"notify"`
	Preview    PreviewConfig                  `toml:"preview"`
	Preference map[string]rawPreferenceConfig `toml:"preference"`
	Rule       map[string]rawRuleConfig       `toml:"rule"`
}

// ServiceConfig contains process-level settings.
// Params: name, runtime mode, shard layout, and background tick intervals.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name             string `toml:"name"`
	Mode             string `toml:"mode"`
	Shards           int    `toml:"shards"`
	RuleParallelism  int    `toml:"rule_parallelism"`
	DigestTickSec    int    `toml:"digest_tick_sec"`
	QuietTickSec     int    `toml:"quiet_tick_sec"`
	SweepIntervalSec int    `toml:"sweep_interval_sec"`
}

// HTTPConfig configures the API listener.
// Params: enable flag, listen address, probe paths, body limit, and gin mode.
// Returns: HTTP server behavior.
type HTTPConfig struct {
	Enabled      bool   `toml:"enabled"`
	Listen       string `toml:"listen"`
	HealthPath   string `toml:"health_path"`
	ReadyPath    string `toml:"ready_path"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
	GinMode      string `toml:"gin_mode"`
}

// IngestConfig defines inbound event interfaces besides HTTP.
// Params: JetStream subscription controls.
// Returns: ingestion runtime options.
type IngestConfig struct {
	NATS NATSIngestConfig `toml:"nats"`
}

// NATSIngestConfig configures JetStream queue-consumer ingestion.
// Params: connection + worker/ack/redelivery policy; stream routing keys are runtime-fixed.
// Returns: NATS ingest behavior.
type NATSIngestConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"url"`
	Subject       string   `toml:"-"`
	Stream        string   `toml:"-"`
	ConsumerName  string   `toml:"-"`
	DeliverGroup  string   `toml:"-"`
	Workers       int      `toml:"workers"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
	BatchSize     int      `toml:"batch_size"`
}

// StateConfig selects dedup/throttle backend.
// Params: backend name.
// Returns: store selection.
type StateConfig struct {
	Backend string `toml:"backend"`
}

// NATSStateConfig contains fixed JetStream KV controls for state backend.
// Params: URL and bucket names.
// Returns: NATS state backend options.
type NATSStateConfig struct {
	URL                []string
	DedupBucket        string
	ThrottleBucket     string
	AllowCreateBuckets bool
}

// DeriveStateNATSConfig builds fixed state-backend settings from runtime config.
// Params: full runtime configuration snapshot.
// Returns: non-user-overridable NATS state settings.
func DeriveStateNATSConfig(cfg Config) NATSStateConfig {
	urls := normalizeNATSURLs(cfg.Ingest.NATS.URL)
	if len(urls) == 0 {
		urls = []string{defaultNATSURL}
	}
	return NATSStateConfig{
		URL:                urls,
		DedupBucket:        defaultDedupBucket,
		ThrottleBucket:     defaultThrottleBucket,
		AllowCreateBuckets: true,
	}
}

// RedisConfig configures the shared Redis client.
// Params: address, password (env overlay), database, and key prefix.
// Returns: redis connection options.
type RedisConfig struct {
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
}

// HistoryConfig selects triggered-event storage.
// Params: backend, DSN (env overlay), pool size, and schema bootstrap flag.
// Returns: history store options.
type HistoryConfig struct {
	Backend      string `toml:"backend"`
	DSN          string `toml:"dsn"`
	MaxOpenConns int    `toml:"max_open_conns"`
	AutoMigrate  bool   `toml:"auto_migrate"`
}

// DeliveryConfig defines async delivery queue and retry policy.
// Params: queue size, workers, backoff, per-channel timeout, and overflow log.
// Returns: dispatcher/queue controls.
type DeliveryConfig struct {
	QueueSize        int         `toml:"queue_size"`
	Workers          int         `toml:"workers"`
	MaxAttempts      int         `toml:"max_attempts"`
	InitialBackoffMS int         `toml:"initial_backoff_ms"`
	MaxBackoffMS     int         `toml:"max_backoff_ms"`
	TimeoutSec       int         `toml:"timeout_sec"`
	Retry            RetryConfig `toml:"retry"`
}

// RetryConfig configures delivery overflow log.
// Params: backend and JetStream consumer policy; stream routing keys are runtime-fixed.
// Returns: retry log options.
type RetryConfig struct {
	Backend       string `toml:"backend"`
	MemoryLimit   int    `toml:"memory_limit"`
	AckWaitSec    int    `toml:"ack_wait_sec"`
	NackDelayMS   int    `toml:"nack_delay_ms"`
	MaxDeliver    int    `toml:"max_deliver"`
	MaxAckPending int    `toml:"max_ack_pending"`
	DLQ           bool   `toml:"dlq"`
	Stream        string `toml:"-"`
	Subject       string `toml:"-"`
	ConsumerName  string `toml:"-"`
	DeliverGroup  string `toml:"-"`
	DLQStream     string `toml:"-"`
	DLQSubject    string `toml:"-"`
}

// NotifyConfig defines outbound channel adapters and payload templates.
// Params: per-channel transport settings.
// Returns: notification controls.
type NotifyConfig struct {
	Template TemplateConfig `toml:"template"`
	Webhook  WebhookConfig  `toml:"webhook"`
	Slack    SlackConfig    `toml:"slack"`
	Telegram TelegramConfig `toml:"telegram"`
	InApp    InAppConfig    `toml:"inapp"`
}

// TemplateConfig holds Go text/template bodies for payload title and text.
type TemplateConfig struct {
	Title string `toml:"title"`
	Body  string `toml:"body"`
}

// WebhookConfig defines generic outbound JSON webhook.
// Params: default URL, optional static headers, and timeout.
// Returns: webhook adapter configuration.
type WebhookConfig struct {
	Enabled    bool              `toml:"enabled"`
	URL        string            `toml:"url"`
	Headers    map[string]string `toml:"headers"`
	TimeoutSec int               `toml:"timeout_sec"`
}

// SlackConfig defines Slack incoming-webhook adapter.
type SlackConfig struct {
	Enabled    bool   `toml:"enabled"`
	WebhookURL string `toml:"webhook_url"`
	TimeoutSec int    `toml:"timeout_sec"`
}

// TelegramConfig defines Telegram bot adapter.
// Params: bot token (env overlay), API base, and fallback chat id.
// Returns: Telegram sender configuration.
type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	APIBase  string `toml:"api_base"`
	ChatID   string `toml:"chat_id"`
}

// InAppConfig defines Redis pub/sub in-app adapter.
type InAppConfig struct {
	Enabled       bool   `toml:"enabled"`
	ChannelPrefix string `toml:"channel_prefix"`
	InboxLimit    int    `toml:"inbox_limit"`
}

// PreviewConfig bounds Noise Estimator replay.
type PreviewConfig struct {
	WindowDays int `toml:"window_days"`
	MaxEvents  int `toml:"max_events"`
	SampleSize int `toml:"sample_size"`
}

// LogConfig contains console/file logging sinks.
// Params: sink settings for each output target.
// Returns: logger setup options.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink enable flag, level, format, and path.
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// ConfigSource describes file or directory config source.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads, overlays env secrets, and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	return loadSnapshot(src, nil)
}

// loadSnapshot is LoadSnapshot with injectable environment for tests.
func loadSnapshot(src ConfigSource, environ map[string]string) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		cfg, err = loadFile(src.File)
	} else {
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	if err := applySecrets(&cfg, environ); err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// normalizeRawConfig converts raw TOML model to runtime config.
// Params: decoded raw config from file fragment.
// Returns: normalized config snapshot with table keys as ids.
func normalizeRawConfig(raw rawConfig) (Config, error) {
	cfg := Config{
		Service:  raw.Service,
		Log:      raw.Log,
		HTTP:     raw.HTTP,
		Ingest:   raw.Ingest,
		State:    raw.State,
		Redis:    raw.Redis,
		History:  raw.History,
		Delivery: raw.Delivery,
		Notify:   raw.Notify,
		Preview:  raw.Preview,
	}

	for _, id := range sortedKeys(raw.Preference) {
		body := raw.Preference[id]
		cfg.Preferences = append(cfg.Preferences, body.normalize(id))
	}

	for _, id := range sortedKeys(raw.Rule) {
		body := raw.Rule[id]
		if strings.TrimSpace(body.ID) != "" {
			return Config{}, fmt.Errorf("rule.%s.id is not supported; use [rule.%s] key as rule id", id, id)
		}
		cfg.Rule = append(cfg.Rule, body.normalize(id))
	}
	return cfg, nil
}

func sortedKeys[V any](values map[string]V) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// rejectUnsupportedSyntax checks forbidden TOML syntax and returns explicit error.
// Params: raw TOML file body.
// Returns: error when unsupported syntax is detected.
func rejectUnsupportedSyntax(body []byte) error {
	if legacyRuleArrayPattern.Match(body) {
		return errors.New("[[rule]] arrays are not supported; use [rule.<rule_id>] tables")
	}
	if legacyPreferenceArrayPattern.Match(body) {
		return errors.New("[[preference]] arrays are not supported; use [preference.<user_id>] tables")
	}
	if fixedIngestKeysPattern.Match(body) {
		return errors.New("subject/stream/consumer_name/deliver_group are fixed in runtime and must not be configured")
	}
	return nil
}

// decode parses one TOML body into normalized config.
// Params: source name for error context and body.
// Returns: decoded config fragment.
func decode(name string, body []byte) (Config, error) {
	if err := rejectUnsupportedSyntax(body); err != nil {
		return Config{}, fmt.Errorf("decode config %q: %w", name, err)
	}
	var raw rawConfig
	if err := toml.Unmarshal(body, &raw); err != nil {
		return Config{}, fmt.Errorf("decode config %q: %w", name, err)
	}
	cfg, err := normalizeRawConfig(raw)
	if err != nil {
		return Config{}, fmt.Errorf("decode config %q: %w", name, err)
	}
	return cfg, nil
}

// loadFile reads one TOML configuration file.
// Params: file path to config snapshot.
// Returns: decoded config or read/decode error.
func loadFile(path string) (Config, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	return decode(path, body)
}

// loadDir reads and merges TOML files from one directory in lexical order.
// Params: directory containing config fragments.
// Returns: merged config snapshot or load/decode error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.ToLower(filepath.Ext(name)) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	if len(files) == 0 {
		return Config{}, fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	var merged Config
	for _, file := range files {
		fragment, err := loadFile(file)
		if err != nil {
			return Config{}, err
		}
		mergeConfig(&merged, fragment)
	}
	return merged, nil
}

// mergeConfig overlays source onto destination; non-empty sections replace, rules append.
// Params: destination config and next fragment.
// Returns: merged configuration side-effect in dst.
func mergeConfig(dst *Config, src Config) {
	if src.Service != (ServiceConfig{}) {
		dst.Service = src.Service
	}
	if src.Log != (LogConfig{}) {
		dst.Log = src.Log
	}
	if src.HTTP != (HTTPConfig{}) {
		dst.HTTP = src.HTTP
	}
	if src.Ingest.NATS.Enabled || len(src.Ingest.NATS.URL) > 0 || src.Ingest.NATS.Workers > 0 {
		dst.Ingest = src.Ingest
	}
	if src.State != (StateConfig{}) {
		dst.State = src.State
	}
	if src.Redis != (RedisConfig{}) {
		dst.Redis = src.Redis
	}
	if src.History != (HistoryConfig{}) {
		dst.History = src.History
	}
	if src.Delivery != (DeliveryConfig{}) {
		dst.Delivery = src.Delivery
	}
	mergeNotifyConfig(&dst.Notify, src.Notify)
	if src.Preview != (PreviewConfig{}) {
		dst.Preview = src.Preview
	}
	dst.Preferences = append(dst.Preferences, src.Preferences...)
	dst.Rule = append(dst.Rule, src.Rule...)
}

// mergeNotifyConfig overlays each notify channel section independently.
func mergeNotifyConfig(dst *NotifyConfig, src NotifyConfig) {
	if src.Template != (TemplateConfig{}) {
		dst.Template = src.Template
	}
	if src.Webhook.Enabled || src.Webhook.URL != "" || len(src.Webhook.Headers) > 0 {
		dst.Webhook = src.Webhook
	}
	if src.Slack != (SlackConfig{}) {
		dst.Slack = src.Slack
	}
	if src.Telegram != (TelegramConfig{}) {
		dst.Telegram = src.Telegram
	}
	if src.InApp != (InAppConfig{}) {
		dst.InApp = src.InApp
	}
}

// applyDefaults fills zero-valued settings with runtime defaults.
// Params: config pointer to mutate.
// Returns: none.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = defaultServiceName
	}
	cfg.Service.Mode = NormalizeServiceMode(cfg.Service.Mode)
	if cfg.Service.Shards <= 0 {
		cfg.Service.Shards = defaultShards
	}
	if cfg.Service.RuleParallelism <= 0 {
		cfg.Service.RuleParallelism = defaultRuleParallelism
	}
	if cfg.Service.DigestTickSec <= 0 {
		cfg.Service.DigestTickSec = defaultDigestTickSec
	}
	if cfg.Service.QuietTickSec <= 0 {
		cfg.Service.QuietTickSec = defaultQuietTickSec
	}
	if cfg.Service.SweepIntervalSec <= 0 {
		cfg.Service.SweepIntervalSec = defaultSweepIntervalSec
	}

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	if strings.TrimSpace(cfg.HTTP.Listen) == "" {
		cfg.HTTP.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(cfg.HTTP.HealthPath) == "" {
		cfg.HTTP.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(cfg.HTTP.ReadyPath) == "" {
		cfg.HTTP.ReadyPath = defaultReadyPath
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		cfg.HTTP.MaxBodyBytes = 2 << 20
	}
	if cfg.HTTP.GinMode == "" {
		cfg.HTTP.GinMode = "release"
	}
	if cfg.Service.Mode == ServiceModeSingle {
		cfg.HTTP.Enabled = true
	}

	cfg.Ingest.NATS.URL = normalizeNATSURLs(cfg.Ingest.NATS.URL)
	if cfg.Service.Mode == ServiceModeNATS && len(cfg.Ingest.NATS.URL) == 0 {
		cfg.Ingest.NATS.URL = []string{defaultNATSURL}
	}
	cfg.Ingest.NATS.Subject = defaultNATSSubject
	cfg.Ingest.NATS.Stream = defaultNATSIngestStream
	cfg.Ingest.NATS.ConsumerName = defaultNATSIngestConsumer
	cfg.Ingest.NATS.DeliverGroup = defaultNATSIngestGroup
	if cfg.Ingest.NATS.Workers <= 0 {
		cfg.Ingest.NATS.Workers = 1
	}
	if cfg.Ingest.NATS.AckWaitSec <= 0 {
		cfg.Ingest.NATS.AckWaitSec = defaultNATSAckWaitSec
	}
	if cfg.Ingest.NATS.NackDelayMS <= 0 {
		cfg.Ingest.NATS.NackDelayMS = defaultNATSNackDelayMS
	}
	if cfg.Ingest.NATS.MaxDeliver == 0 {
		cfg.Ingest.NATS.MaxDeliver = defaultNATSMaxDeliver
	}
	if cfg.Ingest.NATS.MaxAckPending <= 0 {
		cfg.Ingest.NATS.MaxAckPending = defaultNATSMaxAckPending
	}
	if cfg.Ingest.NATS.BatchSize <= 0 {
		cfg.Ingest.NATS.BatchSize = 1
	}

	if cfg.State.Backend == "" {
		if cfg.Service.Mode == ServiceModeNATS {
			cfg.State.Backend = StateBackendNATS
		} else {
			cfg.State.Backend = StateBackendMemory
		}
	}
	cfg.State.Backend = strings.ToLower(strings.TrimSpace(cfg.State.Backend))
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = defaultRedisKeyPrefix
	}

	if cfg.History.Backend == "" {
		cfg.History.Backend = HistoryBackendMemory
	}
	cfg.History.Backend = strings.ToLower(strings.TrimSpace(cfg.History.Backend))
	if cfg.History.MaxOpenConns <= 0 {
		cfg.History.MaxOpenConns = 10
	}

	if cfg.Delivery.QueueSize <= 0 {
		cfg.Delivery.QueueSize = defaultQueueSize
	}
	if cfg.Delivery.Workers <= 0 {
		cfg.Delivery.Workers = defaultDeliveryWorkers
	}
	if cfg.Delivery.MaxAttempts <= 0 {
		cfg.Delivery.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Delivery.InitialBackoffMS <= 0 {
		cfg.Delivery.InitialBackoffMS = defaultInitialBackoffMS
	}
	if cfg.Delivery.MaxBackoffMS <= 0 {
		cfg.Delivery.MaxBackoffMS = defaultMaxBackoffMS
	}
	if cfg.Delivery.TimeoutSec <= 0 {
		cfg.Delivery.TimeoutSec = defaultChannelTimeoutSec
	}
	fillRetryDefaults(&cfg.Delivery.Retry, cfg.Service.Mode)

	if strings.TrimSpace(cfg.Notify.Template.Title) == "" {
		cfg.Notify.Template.Title = defaultPayloadTitle
	}
	if strings.TrimSpace(cfg.Notify.Template.Body) == "" {
		cfg.Notify.Template.Body = defaultPayloadBody
	}
	if cfg.Notify.Webhook.TimeoutSec <= 0 {
		cfg.Notify.Webhook.TimeoutSec = cfg.Delivery.TimeoutSec
	}
	if cfg.Notify.Slack.TimeoutSec <= 0 {
		cfg.Notify.Slack.TimeoutSec = cfg.Delivery.TimeoutSec
	}
	if strings.TrimSpace(cfg.Notify.Telegram.APIBase) == "" {
		cfg.Notify.Telegram.APIBase = defaultTelegramAPIBase
	}
	if cfg.Notify.InApp.ChannelPrefix == "" {
		cfg.Notify.InApp.ChannelPrefix = defaultInAppPrefix
	}
	if cfg.Notify.InApp.InboxLimit <= 0 {
		cfg.Notify.InApp.InboxLimit = defaultInAppInboxLimit
	}

	if cfg.Preview.WindowDays <= 0 {
		cfg.Preview.WindowDays = defaultPreviewWindowDays
	}
	if cfg.Preview.MaxEvents <= 0 {
		cfg.Preview.MaxEvents = defaultPreviewMaxEvents
	}
	if cfg.Preview.SampleSize <= 0 {
		cfg.Preview.SampleSize = defaultPreviewSampleSize
	}

	for i := range cfg.Rule {
		fillRuleDefaults(&cfg.Rule[i])
	}
}

// fillRetryDefaults sets overflow log defaults and fixed stream routing.
func fillRetryDefaults(retry *RetryConfig, mode string) {
	if retry.Backend == "" {
		if mode == ServiceModeNATS {
			retry.Backend = RetryBackendNATS
		} else {
			retry.Backend = RetryBackendMemory
		}
	}
	retry.Backend = strings.ToLower(strings.TrimSpace(retry.Backend))
	if retry.MemoryLimit <= 0 {
		retry.MemoryLimit = defaultMemoryRetryLimit
	}
	if retry.AckWaitSec <= 0 {
		retry.AckWaitSec = defaultNATSAckWaitSec
	}
	if retry.NackDelayMS <= 0 {
		retry.NackDelayMS = defaultNATSNackDelayMS
	}
	if retry.MaxDeliver == 0 {
		retry.MaxDeliver = 20
	}
	if retry.MaxAckPending <= 0 {
		retry.MaxAckPending = defaultNATSMaxAckPending
	}
	retry.Stream = defaultRetryStream
	retry.Subject = defaultRetrySubject
	retry.ConsumerName = defaultRetryConsumer
	retry.DeliverGroup = defaultRetryGroup
	retry.DLQStream = defaultRetryDLQStream
	retry.DLQSubject = defaultRetryDLQSubject
}

// validateConfig validates configuration invariants.
// Params: defaulted config snapshot.
// Returns: first validation error.
func validateConfig(cfg Config) error {
	mode := NormalizeServiceMode(cfg.Service.Mode)
	if !IsSupportedServiceMode(mode) {
		return fmt.Errorf("service.mode has unsupported value %q", cfg.Service.Mode)
	}
	if cfg.Service.Shards > 1024 {
		return errors.New("service.shards must be <=1024")
	}
	if strings.TrimSpace(cfg.HTTP.Listen) == "" {
		return errors.New("http.listen is required")
	}
	if !strings.HasPrefix(cfg.HTTP.HealthPath, "/") || !strings.HasPrefix(cfg.HTTP.ReadyPath, "/") {
		return errors.New("http.health_path and http.ready_path must start with /")
	}
	switch cfg.HTTP.GinMode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("http.gin_mode has unsupported value %q", cfg.HTTP.GinMode)
	}
	if mode == ServiceModeSingle && cfg.Ingest.NATS.Enabled {
		return errors.New("ingest.nats.enabled requires service.mode=nats")
	}
	if mode == ServiceModeNATS {
		if len(cfg.Ingest.NATS.URL) == 0 {
			return errors.New("ingest.nats.url is required")
		}
		if cfg.Ingest.NATS.MaxDeliver < -1 {
			return errors.New("ingest.nats.max_deliver must be -1 or >0")
		}
	}

	switch cfg.State.Backend {
	case StateBackendMemory, StateBackendRedis:
	case StateBackendNATS:
		if mode != ServiceModeNATS {
			return errors.New("state.backend=nats requires service.mode=nats")
		}
	default:
		return fmt.Errorf("state.backend has unsupported value %q", cfg.State.Backend)
	}
	needsRedis := cfg.State.Backend == StateBackendRedis || cfg.Notify.InApp.Enabled
	if needsRedis && strings.TrimSpace(cfg.Redis.Addr) == "" {
		return errors.New("redis.addr is required when state.backend=redis or notify.inapp.enabled=true")
	}

	switch cfg.History.Backend {
	case HistoryBackendMemory:
	case HistoryBackendPostgres:
		if strings.TrimSpace(cfg.History.DSN) == "" {
			return errors.New("history.dsn (or ALERTENGINE_POSTGRES_DSN) is required when history.backend=postgres")
		}
	default:
		return fmt.Errorf("history.backend has unsupported value %q", cfg.History.Backend)
	}

	if cfg.Delivery.MaxBackoffMS < cfg.Delivery.InitialBackoffMS {
		return errors.New("delivery.max_backoff_ms must be >= delivery.initial_backoff_ms")
	}
	switch cfg.Delivery.Retry.Backend {
	case RetryBackendMemory:
	case RetryBackendNATS:
		if mode != ServiceModeNATS {
			return errors.New("delivery.retry.backend=nats requires service.mode=nats")
		}
		if cfg.Delivery.Retry.MaxDeliver < -1 {
			return errors.New("delivery.retry.max_deliver must be -1 or >0")
		}
	default:
		return fmt.Errorf("delivery.retry.backend has unsupported value %q", cfg.Delivery.Retry.Backend)
	}

	if err := validateMessageTemplate("notify.template.title", cfg.Notify.Template.Title); err != nil {
		return err
	}
	if err := validateMessageTemplate("notify.template.body", cfg.Notify.Template.Body); err != nil {
		return err
	}
	if cfg.Notify.Slack.Enabled && strings.TrimSpace(cfg.Notify.Slack.WebhookURL) == "" {
		return errors.New("notify.slack.webhook_url (or ALERTENGINE_SLACK_WEBHOOK_URL) is required when slack is enabled")
	}
	if cfg.Notify.Telegram.Enabled && strings.TrimSpace(cfg.Notify.Telegram.BotToken) == "" {
		return errors.New("notify.telegram.bot_token (or ALERTENGINE_TELEGRAM_TOKEN) is required when telegram is enabled")
	}

	if err := validateLogSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("log.file", cfg.Log.File, true); err != nil {
		return err
	}

	seenUsers := make(map[string]struct{}, len(cfg.Preferences))
	for _, pref := range cfg.Preferences {
		if _, ok := seenUsers[pref.UserID]; ok {
			return fmt.Errorf("duplicate preference for user %q", pref.UserID)
		}
		seenUsers[pref.UserID] = struct{}{}
		if err := validatePreference(pref); err != nil {
			return err
		}
	}

	seenRules := make(map[string]struct{}, len(cfg.Rule))
	for _, rule := range cfg.Rule {
		if _, ok := seenRules[rule.ID]; ok {
			return fmt.Errorf("duplicate rule id %q", rule.ID)
		}
		seenRules[rule.ID] = struct{}{}
		for i, delivery := range rule.Delivery {
			if !IsSupportedChannel(delivery.Channel) {
				return fmt.Errorf("rule.%s.delivery[%d].channel has unsupported value %q", rule.ID, i, delivery.Channel)
			}
			if delivery.isEnabled() && !ChannelEnabled(cfg.Notify, delivery.Channel) {
				return fmt.Errorf("rule.%s.delivery[%d] uses disabled channel %q", rule.ID, i, delivery.Channel)
			}
		}
	}
	return nil
}

// normalizeNATSURLs trims entries and drops empty values.
func normalizeNATSURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, url := range urls {
		if trimmed := strings.TrimSpace(url); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// NormalizeServiceMode lowercases mode and applies single-instance default.
func NormalizeServiceMode(value string) string {
	mode := strings.ToLower(strings.TrimSpace(value))
	if mode == "" {
		return ServiceModeSingle
	}
	return mode
}

// IsSupportedServiceMode reports whether runtime mode is known.
func IsSupportedServiceMode(mode string) bool {
	switch mode {
	case ServiceModeNATS, ServiceModeSingle:
		return true
	default:
		return false
	}
}

// ChannelNames returns supported channel names in stable order.
func ChannelNames() []string {
	out := make([]string, len(channelOrder))
	copy(out, channelOrder)
	return out
}

// IsSupportedChannel reports whether channel has an adapter implementation.
func IsSupportedChannel(channel string) bool {
	for _, name := range channelOrder {
		if name == channel {
			return true
		}
	}
	return false
}

// ChannelEnabled reports whether channel adapter is switched on.
// Params: notify config and channel name.
// Returns: adapter enable flag.
func ChannelEnabled(cfg NotifyConfig, channel string) bool {
	switch channel {
	case ChannelWebhook:
		return cfg.Webhook.Enabled
	case ChannelSlack:
		return cfg.Slack.Enabled
	case ChannelTelegram:
		return cfg.Telegram.Enabled
	case ChannelInApp:
		return cfg.InApp.Enabled
	default:
		return false
	}
}

// validateMessageTemplate validates one message template body.
// Params: field path and template body.
// Returns: parse/empty error.
func validateMessageTemplate(path, body string) error {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return fmt.Errorf("%s is required", path)
	}
	if _, err := templatefmt.ParseNotificationTemplate(path, trimmed); err != nil {
		return fmt.Errorf("%s is invalid: %w", path, err)
	}
	return nil
}

// validateLogSink validates one log sink configuration.
// Params: sink name, sink values, and whether path is required.
// Returns: sink validation error.
func validateLogSink(name string, sink LogSinkConfig, requirePath bool) error {
	if !sink.Enabled {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(sink.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%s.level has unsupported value %q", name, sink.Level)
	}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format has unsupported value %q", name, sink.Format)
	}

	if requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required", name)
	}

	return nil
}
