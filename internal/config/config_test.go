package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StabilityCheckInterval != 100*time.Millisecond {
		t.Errorf("stability interval default: %s", cfg.StabilityCheckInterval)
	}
	if cfg.StabilityCheckCount != 10 {
		t.Errorf("stability count default: %d", cfg.StabilityCheckCount)
	}
	if cfg.ReconnectDelay != 5*time.Second {
		t.Errorf("reconnect delay default: %s", cfg.ReconnectDelay)
	}
	if cfg.ReconnectAttempts != 1 {
		t.Errorf("reconnect attempts default: %d", cfg.ReconnectAttempts)
	}
	if cfg.ShareRequestTimeout != 30*time.Second {
		t.Errorf("share request timeout default: %s", cfg.ShareRequestTimeout)
	}
	if cfg.Camera.Width != 640 || cfg.Camera.Height != 480 || cfg.Camera.FrameRate != 15 {
		t.Errorf("camera defaults: %+v", cfg.Camera)
	}
	if cfg.Screen.Width != 1920 || cfg.Screen.FrameRate != 60 {
		t.Errorf("screen defaults: %+v", cfg.Screen)
	}
	if !cfg.Audio.EchoCancellation || !cfg.Audio.NoiseSuppression || !cfg.Audio.AutoGainControl {
		t.Errorf("audio processing defaults: %+v", cfg.Audio)
	}
	if cfg.ChatBufferSize != 100 || cfg.ReactionBufferSize != 10 {
		t.Errorf("buffer defaults: chat=%d reactions=%d", cfg.ChatBufferSize, cfg.ReactionBufferSize)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("MEETING_RECONNECT_DELAY", "9s")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ReconnectDelay != 9*time.Second {
		t.Errorf("expected env override 9s, got %s", cfg.ReconnectDelay)
	}
}

func TestValidateRejectsInvertedRepairWindow(t *testing.T) {
	t.Setenv("MEETING_MUTE_REPAIR_MIN", "2s")
	t.Setenv("MEETING_MUTE_REPAIR_MAX", "1s")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for inverted repair window")
	}
}

func TestValidateRejectsZeroReconnectAttempts(t *testing.T) {
	t.Setenv("MEETING_RECONNECT_ATTEMPTS", "0")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for zero reconnect attempts")
	}
}

func TestValidateRejectsZeroStabilityCount(t *testing.T) {
	t.Setenv("MEETING_STABILITY_CHECK_COUNT", "0")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for zero stability count")
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load("/does/not/exist.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
