package config

import (
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultTimezone   = "UTC"
	configPathEnv     = "NEWS_DIGEST_CONFIG"
	logLevelEnv       = "LOG_LEVEL"
	databaseDSNEnv    = "DATABASE_DSN"
	imapUsernameEnv   = "IMAP_USERNAME"
	imapPasswordEnv   = "IMAP_PASSWORD"
	smtpPasswordEnv   = "SMTP_PASSWORD"
	llmProviderEnv    = "LLM_PROVIDER"
	geminiAPIKeyEnv   = "GEMINI_API_KEY"
	chatGPTAPIKeyEnv  = "CHATGPT_API_KEY"
	chatGPTModelEnv   = "CHATGPT_MODEL"
	telegramTokenEnv  = "TELEGRAM_BOT_TOKEN"
	telegramChatIDEnv = "TELEGRAM_CHAT_ID"
)

// Config holds the static settings loaded once at startup.
type Config struct {
	Logging       LoggingConfig      `yaml:"logging"`
	Paths         PathsConfig        `yaml:"paths"`
	Scheduler     SchedulerConfig    `yaml:"scheduler"`
	Mailbox       MailboxConfig      `yaml:"mailbox"`
	LLM           LLMConfig          `yaml:"llm"`
	Extractor     ExtractorConfig    `yaml:"extractor"`
	Digest        DigestConfig       `yaml:"digest"`
	Database      DatabaseConfig     `yaml:"database"`
	HTTP          HTTPConfig         `yaml:"http"`
	Notifications NotificationConfig `yaml:"notifications"`
	Sites         []SiteConfig       `yaml:"sites"`
}

// LoggingConfig selects the slog level and handler format (text or json).
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// PathsConfig points at the prerequisite directory and runtime files.
type PathsConfig struct {
	ConfigsDir   string `yaml:"configsDir"`
	SettingsFile string `yaml:"settingsFile"`
	MediaDir     string `yaml:"mediaDir"`
}

// SchedulerConfig defines the wall-clock zone of the weekly release rule.
type SchedulerConfig struct {
	Timezone string         `yaml:"timezone"`
	location *time.Location `yaml:"-"`
}

// Location resolves the scheduler timezone string to a time.Location.
func (s SchedulerConfig) Location() *time.Location {
	if s.location != nil {
		return s.location
	}
	loc, _ := time.LoadLocation(defaultTimezone)
	return loc
}

// MailboxConfig groups IMAP intake and SMTP delivery.
type MailboxConfig struct {
	IMAP IMAPConfig `yaml:"imap"`
	SMTP SMTPConfig `yaml:"smtp"`
}

// IMAPConfig describes the inbound mailbox.
type IMAPConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TLS            bool          `yaml:"tls"`
	Mailbox        string        `yaml:"mailbox"`
	ArchiveMailbox string        `yaml:"archiveMailbox"`
	DeleteHandled  bool          `yaml:"deleteHandled"`
	DialTimeout    time.Duration `yaml:"dialTimeout"`
	CommandTimeout time.Duration `yaml:"commandTimeout"`
}

// SMTPConfig describes the outbound relay.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	TLSMode  string `yaml:"tlsMode"`
	AuthType string `yaml:"authType"`
}

// LLMConfig selects and tunes the classification provider.
type LLMConfig struct {
	Provider          string        `yaml:"provider"`
	Timeout           time.Duration `yaml:"timeout"`
	RateLimit         int           `yaml:"rateLimit"`
	RateWindow        time.Duration `yaml:"rateWindow"`
	MaxRetries        int           `yaml:"maxRetries"`
	InitialRetryDelay time.Duration `yaml:"initialRetryDelay"`
	MaxRetryDelay     time.Duration `yaml:"maxRetryDelay"`
	Gemini            GeminiConfig  `yaml:"gemini"`
	ChatGPT           ChatGPTConfig `yaml:"chatgpt"`
	HTTP              MLConfig      `yaml:"http"`
}

// GeminiConfig defines how to contact the Gemini generateContent API.
type GeminiConfig struct {
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"apiKey"`
}

// ChatGPTConfig defines how to contact the ChatGPT API.
type ChatGPTConfig struct {
	Endpoint     string `yaml:"endpoint"`
	Model        string `yaml:"model"`
	APIKey       string `yaml:"apiKey"`
	SystemPrompt string `yaml:"systemPrompt"`
}

// MLConfig describes a self-hosted classification service.
type MLConfig struct {
	InferenceURL string `yaml:"inferenceUrl"`
	APIKey       string `yaml:"apiKey"`
}

// ExtractorConfig tunes page fetching.
type ExtractorConfig struct {
	UserAgent         string        `yaml:"userAgent"`
	FallbackUserAgent string        `yaml:"fallbackUserAgent"`
	Timeout           time.Duration `yaml:"timeout"`
	FallbackTimeout   time.Duration `yaml:"fallbackTimeout"`
	MaxTextChars      int           `yaml:"maxTextChars"`
	MaxImages         int           `yaml:"maxImages"`
	Concurrency       int           `yaml:"concurrency"`
}

// DigestConfig holds document and job defaults.
type DigestConfig struct {
	TopArticles   int           `yaml:"topArticles"`
	LookbackDays  int           `yaml:"lookbackDays"`
	PollBatch     int           `yaml:"pollBatch"`
	Subject       string        `yaml:"subject"`
	RepostSubject string        `yaml:"repostSubject"`
	JobTimeout    time.Duration `yaml:"jobTimeout"`
	Workers       int           `yaml:"workers"`
	QueueSize     int           `yaml:"queueSize"`
	MutateRetries int           `yaml:"mutateRetries"`
}

// DatabaseConfig describes the optional delivery history store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// HTTPConfig enables the ops listener when Addr is set.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// NotificationConfig encapsulates operator alert channels.
type NotificationConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig wires all data required to send messages.
type TelegramConfig struct {
	BotToken string `yaml:"botToken"`
	ChatID   string `yaml:"chatId"`
}

// SiteConfig describes an external listing page with its scanner strategy.
type SiteConfig struct {
	Name       string            `yaml:"name"`
	Scanner    string            `yaml:"scanner"`
	Categories []CategoryConfig  `yaml:"categories"`
	Options    map[string]string `yaml:"options"`
}

// CategoryConfig holds the concrete endpoints to crawl.
type CategoryConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// Load reads YAML configuration from path (or the env variable) and applies environment overrides.
func Load(path string) Config {
	cfg := defaultConfig()

	if path == "" {
		path = os.Getenv(configPathEnv)
	}
	if path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
		} else {
			var fileCfg Config
			if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
				log.Printf("config: cannot parse %s: %v (falling back to defaults)", path, err)
			} else {
				cfg = mergeConfig(cfg, fileCfg)
			}
		}
	}

	cfg.applyEnvOverrides()
	cfg.bindTimezone()

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}

	if v := os.Getenv(databaseDSNEnv); v != "" {
		c.Database.DSN = v
	}

	if v := os.Getenv(imapUsernameEnv); v != "" {
		c.Mailbox.IMAP.Username = v
	}
	if v := os.Getenv(imapPasswordEnv); v != "" {
		c.Mailbox.IMAP.Password = v
	}
	if v := os.Getenv(smtpPasswordEnv); v != "" {
		c.Mailbox.SMTP.Password = v
	}

	if v := os.Getenv(llmProviderEnv); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv(geminiAPIKeyEnv); v != "" {
		c.LLM.Gemini.APIKey = v
	}
	if v := os.Getenv(chatGPTAPIKeyEnv); v != "" {
		c.LLM.ChatGPT.APIKey = v
	}
	if v := os.Getenv(chatGPTModelEnv); v != "" {
		c.LLM.ChatGPT.Model = v
	}

	if v := os.Getenv(telegramTokenEnv); v != "" {
		c.Notifications.Telegram.BotToken = v
	}
	if v := os.Getenv(telegramChatIDEnv); v != "" {
		c.Notifications.Telegram.ChatID = v
	}
}

func (c *Config) bindTimezone() {
	tz := c.Scheduler.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Printf("config: unknown timezone %s, reverting to %s", tz, defaultTimezone)
		loc, _ = time.LoadLocation(defaultTimezone)
	}
	c.Scheduler.location = loc
}

func mergeConfig(base, override Config) Config {
	base.Logging.Level = pick(base.Logging.Level, override.Logging.Level)
	base.Logging.Format = pick(base.Logging.Format, override.Logging.Format)

	base.Paths.ConfigsDir = pick(base.Paths.ConfigsDir, override.Paths.ConfigsDir)
	base.Paths.SettingsFile = pick(base.Paths.SettingsFile, override.Paths.SettingsFile)
	base.Paths.MediaDir = pick(base.Paths.MediaDir, override.Paths.MediaDir)

	base.Scheduler.Timezone = pick(base.Scheduler.Timezone, override.Scheduler.Timezone)

	base.Mailbox = mergeMailbox(base.Mailbox, override.Mailbox)
	base.LLM = mergeLLM(base.LLM, override.LLM)

	ex := override.Extractor
	base.Extractor.UserAgent = pick(base.Extractor.UserAgent, ex.UserAgent)
	base.Extractor.FallbackUserAgent = pick(base.Extractor.FallbackUserAgent, ex.FallbackUserAgent)
	base.Extractor.Timeout = pickDuration(base.Extractor.Timeout, ex.Timeout)
	base.Extractor.FallbackTimeout = pickDuration(base.Extractor.FallbackTimeout, ex.FallbackTimeout)
	base.Extractor.MaxTextChars = pickInt(base.Extractor.MaxTextChars, ex.MaxTextChars)
	base.Extractor.MaxImages = pickInt(base.Extractor.MaxImages, ex.MaxImages)
	base.Extractor.Concurrency = pickInt(base.Extractor.Concurrency, ex.Concurrency)

	dg := override.Digest
	base.Digest.TopArticles = pickInt(base.Digest.TopArticles, dg.TopArticles)
	base.Digest.LookbackDays = pickInt(base.Digest.LookbackDays, dg.LookbackDays)
	base.Digest.PollBatch = pickInt(base.Digest.PollBatch, dg.PollBatch)
	base.Digest.Subject = pick(base.Digest.Subject, dg.Subject)
	base.Digest.RepostSubject = pick(base.Digest.RepostSubject, dg.RepostSubject)
	base.Digest.JobTimeout = pickDuration(base.Digest.JobTimeout, dg.JobTimeout)
	base.Digest.Workers = pickInt(base.Digest.Workers, dg.Workers)
	base.Digest.QueueSize = pickInt(base.Digest.QueueSize, dg.QueueSize)
	base.Digest.MutateRetries = pickInt(base.Digest.MutateRetries, dg.MutateRetries)

	if override.Database.Driver != "" {
		base.Database = override.Database
	}

	base.HTTP.Addr = pick(base.HTTP.Addr, override.HTTP.Addr)

	if override.Notifications.Telegram.BotToken != "" {
		base.Notifications.Telegram.BotToken = override.Notifications.Telegram.BotToken
	}
	if override.Notifications.Telegram.ChatID != "" {
		base.Notifications.Telegram.ChatID = override.Notifications.Telegram.ChatID
	}

	if len(override.Sites) > 0 {
		base.Sites = override.Sites
	}

	return base
}

func mergeMailbox(base, override MailboxConfig) MailboxConfig {
	in := override.IMAP
	base.IMAP.Host = pick(base.IMAP.Host, in.Host)
	base.IMAP.Port = pickInt(base.IMAP.Port, in.Port)
	base.IMAP.Username = pick(base.IMAP.Username, in.Username)
	base.IMAP.Password = pick(base.IMAP.Password, in.Password)
	base.IMAP.Mailbox = pick(base.IMAP.Mailbox, in.Mailbox)
	base.IMAP.ArchiveMailbox = pick(base.IMAP.ArchiveMailbox, in.ArchiveMailbox)
	base.IMAP.DialTimeout = pickDuration(base.IMAP.DialTimeout, in.DialTimeout)
	base.IMAP.CommandTimeout = pickDuration(base.IMAP.CommandTimeout, in.CommandTimeout)
	if in.Host != "" {
		base.IMAP.TLS = in.TLS
	}
	base.IMAP.DeleteHandled = base.IMAP.DeleteHandled || in.DeleteHandled

	out := override.SMTP
	base.SMTP.Host = pick(base.SMTP.Host, out.Host)
	base.SMTP.Port = pickInt(base.SMTP.Port, out.Port)
	base.SMTP.Username = pick(base.SMTP.Username, out.Username)
	base.SMTP.Password = pick(base.SMTP.Password, out.Password)
	base.SMTP.From = pick(base.SMTP.From, out.From)
	base.SMTP.TLSMode = pick(base.SMTP.TLSMode, out.TLSMode)
	base.SMTP.AuthType = pick(base.SMTP.AuthType, out.AuthType)
	return base
}

func mergeLLM(base, override LLMConfig) LLMConfig {
	base.Provider = pick(base.Provider, override.Provider)
	base.Timeout = pickDuration(base.Timeout, override.Timeout)
	base.RateLimit = pickInt(base.RateLimit, override.RateLimit)
	base.RateWindow = pickDuration(base.RateWindow, override.RateWindow)
	base.MaxRetries = pickInt(base.MaxRetries, override.MaxRetries)
	base.InitialRetryDelay = pickDuration(base.InitialRetryDelay, override.InitialRetryDelay)
	base.MaxRetryDelay = pickDuration(base.MaxRetryDelay, override.MaxRetryDelay)

	base.Gemini.Endpoint = pick(base.Gemini.Endpoint, override.Gemini.Endpoint)
	base.Gemini.Model = pick(base.Gemini.Model, override.Gemini.Model)
	base.Gemini.APIKey = pick(base.Gemini.APIKey, override.Gemini.APIKey)

	base.ChatGPT.Endpoint = pick(base.ChatGPT.Endpoint, override.ChatGPT.Endpoint)
	base.ChatGPT.Model = pick(base.ChatGPT.Model, override.ChatGPT.Model)
	base.ChatGPT.APIKey = pick(base.ChatGPT.APIKey, override.ChatGPT.APIKey)
	base.ChatGPT.SystemPrompt = pick(base.ChatGPT.SystemPrompt, override.ChatGPT.SystemPrompt)

	base.HTTP.InferenceURL = pick(base.HTTP.InferenceURL, override.HTTP.InferenceURL)
	base.HTTP.APIKey = pick(base.HTTP.APIKey, override.HTTP.APIKey)
	return base
}

func pick(base, override string) string {
	if override != "" {
		return override
	}
	return base
}

func pickInt(base, override int) int {
	if override > 0 {
		return override
	}
	return base
}

func pickDuration(base, override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return base
}

func defaultConfig() Config {
	tz, _ := time.LoadLocation(defaultTimezone)
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Paths: PathsConfig{
			ConfigsDir:   "configs",
			SettingsFile: "files/setup.json",
			MediaDir:     "files/images",
		},
		Scheduler: SchedulerConfig{Timezone: defaultTimezone, location: tz},
		Mailbox: MailboxConfig{
			IMAP: IMAPConfig{
				Port:           993,
				TLS:            true,
				Mailbox:        "INBOX",
				ArchiveMailbox: "Archive",
				DialTimeout:    10 * time.Second,
				CommandTimeout: 30 * time.Second,
			},
			SMTP: SMTPConfig{Port: 587, TLSMode: "starttls"},
		},
		LLM: LLMConfig{
			Provider:          "gemini",
			Timeout:           60 * time.Second,
			RateLimit:         30,
			RateWindow:        60 * time.Second,
			MaxRetries:        5,
			InitialRetryDelay: 5 * time.Second,
			MaxRetryDelay:     60 * time.Second,
			Gemini: GeminiConfig{
				Endpoint: "https://generativelanguage.googleapis.com/v1beta/models",
				Model:    "gemini-2.0-flash",
			},
			ChatGPT: ChatGPTConfig{
				Endpoint:     "https://api.openai.com/v1/chat/completions",
				Model:        "gpt-4o-mini",
				SystemPrompt: "You curate news for a research lab newsletter and answer with JSON only.",
			},
		},
		Extractor: ExtractorConfig{
			UserAgent:         "NewsDigest/1.0",
			FallbackUserAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
			Timeout:           20 * time.Second,
			FallbackTimeout:   10 * time.Second,
			MaxTextChars:      20000,
			MaxImages:         3,
			Concurrency:       4,
		},
		Digest: DigestConfig{
			TopArticles:   5,
			LookbackDays:  7,
			PollBatch:     10,
			Subject:       "Weekly News",
			RepostSubject: "Repost",
			JobTimeout:    15 * time.Minute,
			Workers:       2,
			QueueSize:     16,
			MutateRetries: 3,
		},
	}
}
