package storage

import (
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestNewTOSStorageDefaults(t *testing.T) {
	s, err := NewTOSStorage(TOSConfig{
		Bucket:          "audio",
		AccessKeyID:     "ak",
		SecretAccessKey: "sk",
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("create storage: %v", err)
	}
	if s.config.Region != "cn-shanghai" {
		t.Errorf("region = %q, want cn-shanghai default", s.config.Region)
	}
	if s.config.Endpoint != "https://tos-s3-cn-shanghai.volces.com" {
		t.Errorf("endpoint = %q", s.config.Endpoint)
	}
	if s.config.KeyPrefix != "volcengine-file-asr" {
		t.Errorf("key prefix = %q", s.config.KeyPrefix)
	}
	if s.config.SignedURLTTL != time.Hour {
		t.Errorf("signed url ttl = %v, want 1h default", s.config.SignedURLTTL)
	}
}

func TestNewTOSStorageValidation(t *testing.T) {
	if _, err := NewTOSStorage(TOSConfig{AccessKeyID: "ak", SecretAccessKey: "sk"}, zap.NewNop()); err == nil {
		t.Error("missing bucket accepted")
	}
	if _, err := NewTOSStorage(TOSConfig{Bucket: "audio"}, zap.NewNop()); err == nil {
		t.Error("missing keys accepted")
	}
	if _, err := NewTOSStorage(TOSConfig{
		Bucket: "audio", AccessKeyID: "ak", SecretAccessKey: "sk",
		Endpoint: "://bad",
	}, zap.NewNop()); err == nil {
		t.Error("invalid endpoint accepted")
	}
}

func TestBuildObjectKey(t *testing.T) {
	s, err := NewTOSStorage(TOSConfig{
		Bucket:          "audio",
		AccessKeyID:     "ak",
		SecretAccessKey: "sk",
		KeyPrefix:       "recordings",
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("create storage: %v", err)
	}

	key := s.buildObjectKey("my clip.webm")
	if !strings.HasPrefix(key, "recordings/") {
		t.Errorf("key = %q, want recordings/ prefix", key)
	}
	if !strings.HasSuffix(key, "-my_clip.webm") {
		t.Errorf("key = %q, want sanitized file name suffix", key)
	}
	datePart := time.Now().UTC().Format("2006/01/02")
	if !strings.Contains(key, "/"+datePart+"/") {
		t.Errorf("key = %q, want date partition %s", key, datePart)
	}

	other := s.buildObjectKey("my clip.webm")
	if key == other {
		t.Error("identical file names produced identical keys")
	}
}

func TestSanitizeFileName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"clip.wav", "clip.wav"},
		{"my voice memo.mp3", "my_voice_memo.mp3"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\me\clip.wav`, "clip.wav"},
		{"录音.wav", "__.wav"},
		{"", "audio"},
		{"   ", "audio"},
	}
	for _, tt := range tests {
		if got := sanitizeFileName(tt.in); got != tt.want {
			t.Errorf("sanitizeFileName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
