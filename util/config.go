package util

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

const Name = "herald"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host       string
		HttpPort   int    `yaml:"httpPort"`
		Domain     string `yaml:"domain"`
		HttpPrefix string `yaml:"httpPrefix"`
		DataDir    string `yaml:"dataDir"`

		Federation struct {
			AllowList          []string `yaml:"allowList"`
			AuthenticatedFetch bool     `yaml:"authenticatedFetch"`
		} `yaml:"federation"`

		Inbox struct {
			MaxQueueLength        int   `yaml:"maxQueueLength"`
			MaxPostBodyBytes      int64 `yaml:"maxPostBodyBytes"`
			DomainMaxPostsPerDay  int   `yaml:"domainMaxPostsPerDay"`
			AccountMaxPostsPerDay int   `yaml:"accountMaxPostsPerDay"`
		} `yaml:"inbox"`

		Outbox struct {
			GraceSeconds           int `yaml:"graceSeconds"`
			AbandonSeconds         int `yaml:"abandonSeconds"`
			SendThreadsTimeoutMins int `yaml:"sendThreadsTimeoutMins"`
			MaxConcurrentSends     int `yaml:"maxConcurrentSends"`
			DormantMonths          int `yaml:"dormantMonths"`
		} `yaml:"outbox"`

		Watchdog struct {
			PollSeconds       int `yaml:"pollSeconds"`
			SharesPollSeconds int `yaml:"sharesPollSeconds"`
		} `yaml:"watchdog"`

		Blocklist struct {
			RefreshEvery int `yaml:"refreshEvery"`
		} `yaml:"blocklist"`

		Newswire struct {
			Feeds             []string `yaml:"feeds"`
			MaxPosts          int      `yaml:"maxPosts"`
			MaxPostsPerSource int      `yaml:"maxPostsPerSource"`
			MaxFeedSizeKb     int      `yaml:"maxFeedSizeKb"`
			IntervalMinutes   int      `yaml:"intervalMinutes"`
		} `yaml:"newswire"`

		Log struct {
			Level string `yaml:"level"`
		} `yaml:"log"`
	}
}

// ReadConf loads config.yaml from the working directory or the user config
// directory, falling back to the embedded defaults.
func ReadConf() (*AppConfig, error) {
	return ReadConfFrom(ResolveFilePath(ConfigFileName))
}

// ReadConfFrom loads the config at configPath. A missing file is not an
// error: the embedded defaults are used and written to the user config dir.
func ReadConfFrom(configPath string) (*AppConfig, error) {
	c := &AppConfig{}

	buf, err := os.ReadFile(configPath)
	if err != nil {
		log.Info("Config file not found, using embedded defaults", "path", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			if _, statErr := os.Stat(userConfigPath); os.IsNotExist(statErr) {
				if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644); writeErr != nil {
					log.Warn("Could not write default config", "path", userConfigPath, "err", writeErr)
				} else {
					log.Info("Created default config file", "path", userConfigPath)
				}
			}
		}
	}

	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	c.applyEnv()
	c.applyDefaults()

	return c, nil
}

func (c *AppConfig) applyEnv() {
	if v := os.Getenv("HERALD_HOST"); v != "" {
		c.Conf.Host = v
	}
	if v := os.Getenv("HERALD_HTTPPORT"); v != "" {
		c.Conf.HttpPort = envInt("HERALD_HTTPPORT", v, c.Conf.HttpPort)
	}
	if v := os.Getenv("HERALD_DOMAIN"); v != "" {
		c.Conf.Domain = v
	}
	if v := os.Getenv("HERALD_HTTP_PREFIX"); v != "" {
		c.Conf.HttpPrefix = v
	}
	if v := os.Getenv("HERALD_DATA_DIR"); v != "" {
		c.Conf.DataDir = v
	}
	if v := os.Getenv("HERALD_ALLOW_LIST"); v != "" {
		var domains []string
		for _, d := range strings.Split(v, ",") {
			if d = strings.TrimSpace(d); d != "" {
				domains = append(domains, d)
			}
		}
		c.Conf.Federation.AllowList = domains
	}
	if os.Getenv("HERALD_AUTHENTICATED_FETCH") == "true" {
		c.Conf.Federation.AuthenticatedFetch = true
	}
	if v := os.Getenv("HERALD_MAX_QUEUE_LENGTH"); v != "" {
		c.Conf.Inbox.MaxQueueLength = envInt("HERALD_MAX_QUEUE_LENGTH", v, c.Conf.Inbox.MaxQueueLength)
	}
	if v := os.Getenv("HERALD_LOG_LEVEL"); v != "" {
		c.Conf.Log.Level = v
	}
}

func envInt(name, value string, fallback int) int {
	v, err := strconv.Atoi(value)
	if err != nil {
		log.Warn("Ignoring invalid integer environment variable", "name", name, "value", value)
		return fallback
	}
	return v
}

// applyDefaults fills zero values so a partial config file stays usable.
func (c *AppConfig) applyDefaults() {
	if c.Conf.HttpPort == 0 {
		c.Conf.HttpPort = 9999
	}
	if c.Conf.Domain == "" {
		c.Conf.Domain = "localhost"
	}
	if c.Conf.HttpPrefix == "" {
		c.Conf.HttpPrefix = "https"
	}
	if c.Conf.DataDir == "" {
		c.Conf.DataDir = "data"
	}
	if c.Conf.Inbox.MaxQueueLength <= 0 {
		c.Conf.Inbox.MaxQueueLength = 64
	}
	if c.Conf.Inbox.MaxPostBodyBytes <= 0 {
		c.Conf.Inbox.MaxPostBodyBytes = 1 << 20
	}
	if c.Conf.Outbox.GraceSeconds <= 0 {
		c.Conf.Outbox.GraceSeconds = 8
	}
	if c.Conf.Outbox.AbandonSeconds <= 0 {
		c.Conf.Outbox.AbandonSeconds = 5
	}
	if c.Conf.Outbox.SendThreadsTimeoutMins <= 0 {
		c.Conf.Outbox.SendThreadsTimeoutMins = 30
	}
	if c.Conf.Outbox.MaxConcurrentSends <= 0 {
		c.Conf.Outbox.MaxConcurrentSends = 8
	}
	if c.Conf.Watchdog.PollSeconds <= 0 {
		c.Conf.Watchdog.PollSeconds = 20
	}
	if c.Conf.Watchdog.SharesPollSeconds <= 0 {
		c.Conf.Watchdog.SharesPollSeconds = 120
	}
	if c.Conf.Blocklist.RefreshEvery <= 0 {
		c.Conf.Blocklist.RefreshEvery = 100
	}
	if c.Conf.Newswire.MaxPosts <= 0 {
		c.Conf.Newswire.MaxPosts = 20
	}
	if c.Conf.Newswire.MaxPostsPerSource <= 0 {
		c.Conf.Newswire.MaxPostsPerSource = 5
	}
	if c.Conf.Newswire.MaxFeedSizeKb <= 0 {
		c.Conf.Newswire.MaxFeedSizeKb = 10240
	}
	if c.Conf.Newswire.IntervalMinutes <= 0 {
		c.Conf.Newswire.IntervalMinutes = 20
	}
	if c.Conf.Log.Level == "" {
		c.Conf.Log.Level = "info"
	}
}

// BaseURL is the scheme and domain every local IRI starts with.
func (c *AppConfig) BaseURL() string {
	return fmt.Sprintf("%s://%s", c.Conf.HttpPrefix, c.Conf.Domain)
}
