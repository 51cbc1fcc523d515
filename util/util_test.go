package util

import (
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"
)

func TestGenerateKeypair(t *testing.T) {
	kp, err := GenerateKeypair(1024)
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}

	if !strings.Contains(kp.Private, "RSA PRIVATE KEY") {
		t.Error("Private key should be PKCS1 PEM")
	}

	block, _ := pem.Decode([]byte(kp.Public))
	if block == nil {
		t.Fatal("Public key should be PEM encoded")
	}
	if block.Type != "PUBLIC KEY" {
		t.Errorf("Expected PEM type 'PUBLIC KEY', got '%s'", block.Type)
	}
	if _, err := x509.ParsePKIXPublicKey(block.Bytes); err != nil {
		t.Errorf("Public key should be PKIX: %v", err)
	}
}

func TestPasswordHash(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}

	if hash == "hunter2" {
		t.Error("Hash should not equal the password")
	}
	if !CheckPassword(hash, "hunter2") {
		t.Error("CheckPassword should accept the right password")
	}
	if CheckPassword(hash, "hunter3") {
		t.Error("CheckPassword should reject a wrong password")
	}
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	if version == "" {
		t.Error("Version should not be empty")
	}
	if strings.ContainsAny(version, " \n") {
		t.Errorf("Version should be trimmed, got %q", version)
	}
}

func TestUserAgent(t *testing.T) {
	ua := UserAgent("example.com")
	if !strings.HasPrefix(ua, "herald/") {
		t.Errorf("Expected User-Agent to start with 'herald/', got '%s'", ua)
	}
	if !strings.Contains(ua, "example.com") {
		t.Errorf("Expected User-Agent to mention the domain, got '%s'", ua)
	}
}
