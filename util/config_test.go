package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConfigConstants(t *testing.T) {
	if Name != "herald" {
		t.Errorf("Expected Name 'herald', got '%s'", Name)
	}

	if ConfigFileName != "config.yaml" {
		t.Errorf("Expected ConfigFileName 'config.yaml', got '%s'", ConfigFileName)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ConfigFileName)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}
	return path
}

func TestReadConfWithYaml(t *testing.T) {
	path := writeConfig(t, `
conf:
  host: 127.0.0.1
  httpPort: 8443
  domain: example.com
  federation:
    allowList: [friendly.example, other.example]
    authenticatedFetch: true
  inbox:
    maxQueueLength: 10
  outbox:
    graceSeconds: 3
`)

	config, err := ReadConfFrom(path)
	if err != nil {
		t.Fatalf("ReadConfFrom failed: %v", err)
	}

	if config.Conf.Host != "127.0.0.1" {
		t.Errorf("Expected Host '127.0.0.1', got '%s'", config.Conf.Host)
	}
	if config.Conf.HttpPort != 8443 {
		t.Errorf("Expected HttpPort 8443, got %d", config.Conf.HttpPort)
	}
	if config.Conf.Domain != "example.com" {
		t.Errorf("Expected Domain 'example.com', got '%s'", config.Conf.Domain)
	}
	if len(config.Conf.Federation.AllowList) != 2 {
		t.Errorf("Expected 2 allow list entries, got %d", len(config.Conf.Federation.AllowList))
	}
	if !config.Conf.Federation.AuthenticatedFetch {
		t.Error("Expected AuthenticatedFetch to be true")
	}
	if config.Conf.Inbox.MaxQueueLength != 10 {
		t.Errorf("Expected MaxQueueLength 10, got %d", config.Conf.Inbox.MaxQueueLength)
	}
	if config.Conf.Outbox.GraceSeconds != 3 {
		t.Errorf("Expected GraceSeconds 3, got %d", config.Conf.Outbox.GraceSeconds)
	}
}

func TestReadConfDefaults(t *testing.T) {
	path := writeConfig(t, "conf:\n  domain: example.com\n")

	config, err := ReadConfFrom(path)
	if err != nil {
		t.Fatalf("ReadConfFrom failed: %v", err)
	}

	tests := []struct {
		name     string
		got      int
		expected int
	}{
		{"max queue length", config.Conf.Inbox.MaxQueueLength, 64},
		{"grace seconds", config.Conf.Outbox.GraceSeconds, 8},
		{"send threads timeout", config.Conf.Outbox.SendThreadsTimeoutMins, 30},
		{"watchdog poll", config.Conf.Watchdog.PollSeconds, 20},
		{"shares poll", config.Conf.Watchdog.SharesPollSeconds, 120},
		{"blocklist refresh", config.Conf.Blocklist.RefreshEvery, 100},
		{"newswire max posts", config.Conf.Newswire.MaxPosts, 20},
		{"newswire max posts per source", config.Conf.Newswire.MaxPostsPerSource, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("Expected %d, got %d", tt.expected, tt.got)
			}
		})
	}

	if config.Conf.Inbox.MaxPostBodyBytes != 1<<20 {
		t.Errorf("Expected MaxPostBodyBytes 1MiB, got %d", config.Conf.Inbox.MaxPostBodyBytes)
	}
	if config.BaseURL() != "https://example.com" {
		t.Errorf("Expected BaseURL 'https://example.com', got '%s'", config.BaseURL())
	}
}

func TestReadConfWithEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
conf:
  host: 127.0.0.1
  httpPort: 9999
  domain: example.com
`)

	t.Setenv("HERALD_HOST", "192.168.1.1")
	t.Setenv("HERALD_HTTPPORT", "8080")
	t.Setenv("HERALD_DOMAIN", "test.example.com")
	t.Setenv("HERALD_ALLOW_LIST", "a.example, b.example")
	t.Setenv("HERALD_AUTHENTICATED_FETCH", "true")

	config, err := ReadConfFrom(path)
	if err != nil {
		t.Fatalf("ReadConfFrom failed: %v", err)
	}

	if config.Conf.Host != "192.168.1.1" {
		t.Errorf("Expected Host '192.168.1.1', got '%s'", config.Conf.Host)
	}
	if config.Conf.HttpPort != 8080 {
		t.Errorf("Expected HttpPort 8080, got %d", config.Conf.HttpPort)
	}
	if config.Conf.Domain != "test.example.com" {
		t.Errorf("Expected Domain 'test.example.com', got '%s'", config.Conf.Domain)
	}
	if len(config.Conf.Federation.AllowList) != 2 || config.Conf.Federation.AllowList[1] != "b.example" {
		t.Errorf("Expected allow list [a.example b.example], got %v", config.Conf.Federation.AllowList)
	}
	if !config.Conf.Federation.AuthenticatedFetch {
		t.Error("Expected AuthenticatedFetch to be true")
	}
}

func TestReadConfInvalidEnvPortKeepsFile(t *testing.T) {
	path := writeConfig(t, "conf:\n  httpPort: 9000\n")
	t.Setenv("HERALD_HTTPPORT", "not-a-number")

	config, err := ReadConfFrom(path)
	if err != nil {
		t.Fatalf("ReadConfFrom failed: %v", err)
	}
	if config.Conf.HttpPort != 9000 {
		t.Errorf("Expected HttpPort 9000, got %d", config.Conf.HttpPort)
	}
}

func TestReadConfInvalidYaml(t *testing.T) {
	path := writeConfig(t, "conf: [unclosed")

	if _, err := ReadConfFrom(path); err == nil {
		t.Error("Expected error for invalid yaml")
	}
}

func TestEmbeddedConfigParses(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	config, err := ReadConfFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("ReadConfFrom failed: %v", err)
	}
	if config.Conf.HttpPort != 9999 {
		t.Errorf("Expected embedded HttpPort 9999, got %d", config.Conf.HttpPort)
	}
	if config.Conf.Inbox.DomainMaxPostsPerDay != 8640 {
		t.Errorf("Expected DomainMaxPostsPerDay 8640, got %d", config.Conf.Inbox.DomainMaxPostsPerDay)
	}
}
