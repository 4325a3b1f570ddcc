package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/viper"
)

// DefaultClassificationFolders maps each category to its filing folder when
// no override is configured.
var DefaultClassificationFolders = map[string]string{
	"ToReply":         "ToReply",
	"Receipts":        "Receipts",
	"Newsletters":     "Newsletters",
	"Notifications":   "Notifications",
	"CalendarCreated": "CalendarCreated",
	"NoAction":        "NoAction",
	"NeedsReview":     "NeedsReview",
}

// IMAPConfig holds the mailbox server connection and folder settings.
type IMAPConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     string `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`

	// Password is the literal password. If empty and PasswordKey is set,
	// the password is resolved from the OS keyring at startup.
	Password    string `mapstructure:"password" yaml:"password"`
	PasswordKey string `mapstructure:"password_key" yaml:"password_key"`

	InboxFolder   string `mapstructure:"inbox_folder" yaml:"inbox_folder"`
	DraftsFolder  string `mapstructure:"drafts_folder" yaml:"drafts_folder"`
	SentFolder    string `mapstructure:"sent_folder" yaml:"sent_folder"`
	RepliedFolder string `mapstructure:"replied_folder" yaml:"replied_folder"`

	// MailboxPrefix forces a folder namespace prefix. When empty the prefix
	// is discovered from the server's LIST response.
	MailboxPrefix string `mapstructure:"mailbox_prefix" yaml:"mailbox_prefix"`

	InitialLookbackDays    int    `mapstructure:"initial_lookback_days" yaml:"initial_lookback_days"`
	SkipAnswered           bool   `mapstructure:"skip_answered" yaml:"skip_answered"`
	FilingMode             string `mapstructure:"filing_mode" yaml:"filing_mode"`
	CreateFoldersOnStartup bool   `mapstructure:"create_folders_on_startup" yaml:"create_folders_on_startup"`

	ClassificationFolders map[string]string `mapstructure:"classification_folders" yaml:"classification_folders"`
	ConfidenceThreshold   float64           `mapstructure:"confidence_threshold" yaml:"confidence_threshold"`
}

// LLMConfig holds the OpenRouter collaborator settings. When APIKey is empty
// the heuristic fallback is used instead.
type LLMConfig struct {
	APIKey  string `mapstructure:"api_key" yaml:"api_key"`
	Model   string `mapstructure:"model" yaml:"model"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
}

// CalendarConfig holds the Google Calendar collaborator settings.
type CalendarConfig struct {
	TokenPath  string `mapstructure:"token_path" yaml:"token_path"`
	CalendarID string `mapstructure:"calendar_id" yaml:"calendar_id"`
}

// ReportConfig holds the schedule for one recurring report.
type ReportConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	TimeLocal     string `mapstructure:"time_local" yaml:"time_local"`
	DayLocal      string `mapstructure:"day_local" yaml:"day_local"`
	LookbackHours int    `mapstructure:"lookback_hours" yaml:"lookback_hours"`
	LookbackDays  int    `mapstructure:"lookback_days" yaml:"lookback_days"`
	To            string `mapstructure:"to" yaml:"to"`
	SubjectPrefix string `mapstructure:"subject_prefix" yaml:"subject_prefix"`

	// IntervalMinutes switches the report to interval bucketing instead of
	// a daily local time (used by the reply digest).
	IntervalMinutes int `mapstructure:"interval_minutes" yaml:"interval_minutes"`
	LookbackMinutes int `mapstructure:"lookback_minutes" yaml:"lookback_minutes"`
}

// Config is the top-level application configuration. It is constructed once
// at startup and passed into the components that need it.
type Config struct {
	DataDir     string `mapstructure:"data_dir" yaml:"data_dir"`
	LogLevel    string `mapstructure:"log_level" yaml:"log_level"`
	PollSeconds int    `mapstructure:"poll_seconds" yaml:"poll_seconds"`
	Timezone    string `mapstructure:"timezone" yaml:"timezone"`

	IMAP     IMAPConfig     `mapstructure:"imap" yaml:"imap"`
	LLM      LLMConfig      `mapstructure:"llm" yaml:"llm"`
	Calendar CalendarConfig `mapstructure:"calendar" yaml:"calendar"`

	VIPSenders []string `mapstructure:"vip_senders" yaml:"vip_senders"`

	// DeadlineRegexFallback forces event extraction when a deadline keyword
	// co-occurs with a date pattern even if the classifier missed it.
	DeadlineRegexFallback bool `mapstructure:"deadline_regex_fallback" yaml:"deadline_regex_fallback"`

	ExecutiveBrief ReportConfig `mapstructure:"executive_brief" yaml:"executive_brief"`
	DailyRecap     ReportConfig `mapstructure:"daily_recap" yaml:"daily_recap"`
	WeeklyRecap    ReportConfig `mapstructure:"weekly_recap" yaml:"weekly_recap"`
	ReplyDigest    ReportConfig `mapstructure:"reply_digest" yaml:"reply_digest"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailpilot/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailpilot", "config.yaml")
}

func defaultConfig() *Config {
	return &Config{
		DataDir:     "./data",
		LogLevel:    "info",
		PollSeconds: 60,
		Timezone:    "UTC",
		IMAP: IMAPConfig{
			Port:                   "993",
			InboxFolder:            "INBOX",
			DraftsFolder:           "Drafts",
			SentFolder:             "Sent",
			RepliedFolder:          "Replied",
			InitialLookbackDays:    14,
			SkipAnswered:           true,
			FilingMode:             string(FilingModeMove),
			CreateFoldersOnStartup: true,
			ConfidenceThreshold:    0.75,
		},
		LLM: LLMConfig{
			BaseURL: "https://openrouter.ai/api/v1",
		},
		Calendar: CalendarConfig{
			CalendarID: "primary",
		},
		ExecutiveBrief: ReportConfig{
			Enabled:       true,
			TimeLocal:     "07:30",
			LookbackHours: 24,
			SubjectPrefix: "[Executive Brief]",
		},
		DailyRecap: ReportConfig{
			Enabled:       true,
			TimeLocal:     "18:00",
			LookbackHours: 24,
			SubjectPrefix: "[Daily Recap]",
		},
		WeeklyRecap: ReportConfig{
			Enabled:       true,
			TimeLocal:     "08:00",
			DayLocal:      "Mon",
			LookbackDays:  7,
			SubjectPrefix: "[Weekly Recap]",
		},
		ReplyDigest: ReportConfig{
			Enabled:         true,
			IntervalMinutes: 60,
			LookbackMinutes: 60,
			SubjectPrefix:   "[Reply Digest]",
		},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// Environment variables prefixed MAILPILOT_ override file values. If the
// file does not exist, defaults (plus env overrides) are returned.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MAILPILOT")
	v.AutomaticEnv()

	d := defaultConfig()
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("poll_seconds", d.PollSeconds)
	v.SetDefault("timezone", d.Timezone)
	v.SetDefault("imap.port", d.IMAP.Port)
	v.SetDefault("imap.inbox_folder", d.IMAP.InboxFolder)
	v.SetDefault("imap.drafts_folder", d.IMAP.DraftsFolder)
	v.SetDefault("imap.sent_folder", d.IMAP.SentFolder)
	v.SetDefault("imap.replied_folder", d.IMAP.RepliedFolder)
	v.SetDefault("imap.initial_lookback_days", d.IMAP.InitialLookbackDays)
	v.SetDefault("imap.skip_answered", d.IMAP.SkipAnswered)
	v.SetDefault("imap.filing_mode", d.IMAP.FilingMode)
	v.SetDefault("imap.create_folders_on_startup", d.IMAP.CreateFoldersOnStartup)
	v.SetDefault("imap.confidence_threshold", d.IMAP.ConfidenceThreshold)
	v.SetDefault("llm.base_url", d.LLM.BaseURL)
	v.SetDefault("calendar.calendar_id", d.Calendar.CalendarID)

	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(err, &pathErr) && !errors.As(err, &notFoundErr) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := defaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields that have no safe default.
func (c *Config) Validate() error {
	if c.IMAP.Host == "" {
		return fmt.Errorf("imap.host is required")
	}
	if c.IMAP.Username == "" {
		return fmt.Errorf("imap.username is required")
	}
	if c.IMAP.FilingMode != string(FilingModeMove) && c.IMAP.FilingMode != string(FilingModeCopy) {
		return fmt.Errorf("imap.filing_mode must be %q or %q", FilingModeMove, FilingModeCopy)
	}
	for category := range c.IMAP.ClassificationFolders {
		if !ValidCategory(category) {
			return fmt.Errorf("imap.classification_folders: unknown category %q", category)
		}
	}
	return nil
}

// DatabasePath returns the SQLite database location under the data dir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "mailpilot.db")
}

// GoogleTokenPath returns the calendar token location, defaulting under the
// data dir when not configured explicitly.
func (c *Config) GoogleTokenPath() string {
	if c.Calendar.TokenPath != "" {
		return c.Calendar.TokenPath
	}
	return filepath.Join(c.DataDir, "google_token.json")
}

// FolderFor resolves the filing folder for a classification category.
func (c *Config) FolderFor(category Category) string {
	if folder, ok := c.IMAP.ClassificationFolders[string(category)]; ok && folder != "" {
		return folder
	}
	if folder, ok := DefaultClassificationFolders[string(category)]; ok {
		return folder
	}
	return DefaultClassificationFolders[string(CategoryNeedsReview)]
}

// AllRequiredFolders returns every folder the agent files into, plus the
// drafts and replied folders, sorted and deduplicated.
func (c *Config) AllRequiredFolders() []string {
	seen := map[string]bool{}
	for _, category := range Categories {
		seen[c.FolderFor(category)] = true
	}
	seen[c.IMAP.DraftsFolder] = true
	if c.IMAP.RepliedFolder != "" {
		seen[c.IMAP.RepliedFolder] = true
	}
	folders := make([]string, 0, len(seen))
	for folder := range seen {
		folders = append(folders, folder)
	}
	sort.Strings(folders)
	return folders
}
