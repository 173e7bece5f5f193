// Package config handles application configuration from environment
// variables plus an optional per-setup JSON overrides file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Config holds the process-global configuration and all resolved setups.
type Config struct {
	TelegramBotToken string
	DatabasePath     string
	LogLevel         string
	ViewStoreTTL     time.Duration
	Setups           []Setup
}

// Setup is one monitored subreddit↔chat pairing, resolved once at startup
// and never mutated afterwards.
type Setup struct {
	SetupID                string
	ChatID                 int64
	AllowedActorIDs        []int64
	SilentNotifications    bool
	Subreddit              string
	PollInterval           time.Duration
	PostReportThreshold    int
	CommentReportThreshold int
	MaxReportsPerPoll      int
	MaxItemAge             time.Duration
	ModlogFetchLimit       int

	RedditClientID     string
	RedditClientSecret string
	RedditRefreshToken string
	RedditUsername     string
	RedditPassword     string
	RedditUserAgent    string
}

// setupOverrides mirrors the keys accepted in the setups JSON file. Pointer
// fields distinguish "absent" from an explicit value.
type setupOverrides struct {
	ChatID                 *int64   `json:"chat_id"`
	AllowedActorIDs        []int64  `json:"allowed_actor_ids"`
	SilentNotifications    *bool    `json:"silent_notifications"`
	Subreddit              *string  `json:"subreddit"`
	PollIntervalMinutes    *int     `json:"poll_interval_minutes"`
	PostReportThreshold    *int     `json:"post_report_threshold"`
	CommentReportThreshold *int     `json:"comment_report_threshold"`
	MaxReportsPerPoll      *int     `json:"max_reports_per_poll"`
	MaxItemAgeHours        *int     `json:"max_item_age_hours"`
	ModlogFetchLimit       *int     `json:"modlog_fetch_limit"`
	RedditClientID         *string  `json:"reddit_client_id"`
	RedditClientSecret     *string  `json:"reddit_client_secret"`
	RedditRefreshToken     *string  `json:"reddit_refresh_token"`
	RedditUsername         *string  `json:"reddit_username"`
	RedditPassword         *string  `json:"reddit_password"`
	RedditUserAgent        *string  `json:"reddit_user_agent"`
}

// Load reads configuration from environment variables and, when
// SETUPS_CONFIG_PATH is set, merges per-setup overrides from that JSON file.
// It fails if any resolved setup is incomplete, naming every offending setup.
func Load() (*Config, error) {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	dbPath := envOr("DATABASE_PATH", "./data/reddit_mod_bot.db")
	logLevel := envOr("LOG_LEVEL", "info")

	ttlHours, err := envInt("VIEW_STORE_TTL_HOURS", 168)
	if err != nil {
		return nil, err
	}
	if ttlHours < 1 {
		ttlHours = 1
	}

	base, err := baseSetupFromEnv()
	if err != nil {
		return nil, err
	}

	var setups []Setup
	if path := os.Getenv("SETUPS_CONFIG_PATH"); path != "" {
		setups, err = loadSetupsFile(path, base)
		if err != nil {
			return nil, err
		}
	} else {
		s := base
		s.SetupID = "default"
		setups = []Setup{s}
	}

	var bad []string
	for i := range setups {
		if errs := setups[i].validate(); len(errs) > 0 {
			bad = append(bad, fmt.Sprintf("%s: %s", setups[i].SetupID, strings.Join(errs, ", ")))
		}
	}
	if len(bad) > 0 {
		return nil, fmt.Errorf("incomplete setup configuration: %s", strings.Join(bad, "; "))
	}

	return &Config{
		TelegramBotToken: token,
		DatabasePath:     dbPath,
		LogLevel:         logLevel,
		ViewStoreTTL:     time.Duration(ttlHours) * time.Hour,
		Setups:           setups,
	}, nil
}

func baseSetupFromEnv() (Setup, error) {
	var s Setup
	var err error

	if raw := os.Getenv("TELEGRAM_CHAT_ID"); raw != "" {
		s.ChatID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return s, fmt.Errorf("invalid TELEGRAM_CHAT_ID %q: %w", raw, err)
		}
	}
	if raw := os.Getenv("ALLOWED_ACTOR_IDS"); raw != "" {
		s.AllowedActorIDs, err = parseIDList(raw)
		if err != nil {
			return s, fmt.Errorf("invalid ALLOWED_ACTOR_IDS: %w", err)
		}
	}

	silent, err := envBool("SILENT_NOTIFICATIONS", true)
	if err != nil {
		return s, err
	}
	s.SilentNotifications = silent

	s.Subreddit = os.Getenv("REDDIT_SUBREDDIT")

	pollMinutes, err := envInt("POLL_INTERVAL_MINUTES", 5)
	if err != nil {
		return s, err
	}
	s.PollInterval = time.Duration(max(pollMinutes, 1)) * time.Minute

	if s.PostReportThreshold, err = envInt("POST_REPORT_THRESHOLD", 1); err != nil {
		return s, err
	}
	s.PostReportThreshold = max(s.PostReportThreshold, 1)

	if s.CommentReportThreshold, err = envInt("COMMENT_REPORT_THRESHOLD", 1); err != nil {
		return s, err
	}
	s.CommentReportThreshold = max(s.CommentReportThreshold, 1)

	if s.MaxReportsPerPoll, err = envInt("MAX_REPORTS_PER_POLL", 100); err != nil {
		return s, err
	}
	s.MaxReportsPerPoll = max(s.MaxReportsPerPoll, 1)

	ageHours, err := envInt("MAX_ITEM_AGE_HOURS", 72)
	if err != nil {
		return s, err
	}
	s.MaxItemAge = time.Duration(max(ageHours, 0)) * time.Hour

	if s.ModlogFetchLimit, err = envInt("MODLOG_FETCH_LIMIT", 50); err != nil {
		return s, err
	}
	s.ModlogFetchLimit = max(s.ModlogFetchLimit, 0)

	s.RedditClientID = os.Getenv("REDDIT_CLIENT_ID")
	s.RedditClientSecret = os.Getenv("REDDIT_CLIENT_SECRET")
	s.RedditRefreshToken = os.Getenv("REDDIT_REFRESH_TOKEN")
	s.RedditUsername = os.Getenv("REDDIT_USERNAME")
	s.RedditPassword = os.Getenv("REDDIT_PASSWORD")
	s.RedditUserAgent = envOr("REDDIT_USER_AGENT", "reddit_mod_bot/0.1")

	return s, nil
}

func loadSetupsFile(path string, base Setup) ([]Setup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read setups config: %w", err)
	}

	var raw map[string]setupOverrides
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse setups config %s: %w", path, err)
	}
	if len(raw) == 0 {
		return nil, errors.New("setups config contains no setups")
	}

	ids := make([]string, 0, len(raw))
	for id := range raw {
		if strings.TrimSpace(id) == "" {
			return nil, errors.New("setups config keys must be non-empty setup ids")
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	setups := make([]Setup, 0, len(ids))
	for _, id := range ids {
		s := applyOverrides(base, raw[id])
		s.SetupID = id
		setups = append(setups, s)
	}
	return setups, nil
}

func applyOverrides(base Setup, ov setupOverrides) Setup {
	s := base
	if ov.ChatID != nil {
		s.ChatID = *ov.ChatID
	}
	if ov.AllowedActorIDs != nil {
		s.AllowedActorIDs = append([]int64(nil), ov.AllowedActorIDs...)
	}
	if ov.SilentNotifications != nil {
		s.SilentNotifications = *ov.SilentNotifications
	}
	if ov.Subreddit != nil {
		s.Subreddit = *ov.Subreddit
	}
	if ov.PollIntervalMinutes != nil {
		s.PollInterval = time.Duration(max(*ov.PollIntervalMinutes, 1)) * time.Minute
	}
	if ov.PostReportThreshold != nil {
		s.PostReportThreshold = max(*ov.PostReportThreshold, 1)
	}
	if ov.CommentReportThreshold != nil {
		s.CommentReportThreshold = max(*ov.CommentReportThreshold, 1)
	}
	if ov.MaxReportsPerPoll != nil {
		s.MaxReportsPerPoll = max(*ov.MaxReportsPerPoll, 1)
	}
	if ov.MaxItemAgeHours != nil {
		s.MaxItemAge = time.Duration(max(*ov.MaxItemAgeHours, 0)) * time.Hour
	}
	if ov.ModlogFetchLimit != nil {
		s.ModlogFetchLimit = max(*ov.ModlogFetchLimit, 0)
	}
	if ov.RedditClientID != nil {
		s.RedditClientID = *ov.RedditClientID
	}
	if ov.RedditClientSecret != nil {
		s.RedditClientSecret = *ov.RedditClientSecret
	}
	if ov.RedditRefreshToken != nil {
		s.RedditRefreshToken = *ov.RedditRefreshToken
	}
	if ov.RedditUsername != nil {
		s.RedditUsername = *ov.RedditUsername
	}
	if ov.RedditPassword != nil {
		s.RedditPassword = *ov.RedditPassword
	}
	if ov.RedditUserAgent != nil {
		s.RedditUserAgent = *ov.RedditUserAgent
	}
	return s
}

func (s *Setup) validate() []string {
	var errs []string
	if s.ChatID == 0 {
		errs = append(errs, "chat_id is required")
	}
	if s.Subreddit == "" {
		errs = append(errs, "subreddit is required")
	}
	if s.RedditClientID == "" {
		errs = append(errs, "reddit_client_id is required")
	}
	if s.RedditClientSecret == "" {
		errs = append(errs, "reddit_client_secret is required")
	}
	if s.RedditRefreshToken == "" && (s.RedditUsername == "" || s.RedditPassword == "") {
		errs = append(errs, "set reddit_refresh_token, or both reddit_username and reddit_password")
	}
	return errs
}

// IsActorAllowed checks whether an actor ID is in the setup's allow list.
func (s *Setup) IsActorAllowed(actorID int64) bool {
	for _, id := range s.AllowedActorIDs {
		if id == actorID {
			return true
		}
	}
	return false
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func envBool(key string, def bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid %s %q: expected a boolean", key, raw)
}

func parseIDList(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
