package server

import "testing"

func TestWithDefaultsParsesHumanReadableMaxMessageSize(t *testing.T) {
	cfg := &Config{MaxMessageSizeHuman: "2MB"}
	if err := cfg.withDefaults(); err != nil {
		t.Fatalf("withDefaults: %v", err)
	}
	if cfg.MaxMessageSize != 2*1000*1000 {
		t.Fatalf("expected 2MB (decimal) to parse to %d bytes, got %d", 2*1000*1000, cfg.MaxMessageSize)
	}
}

func TestWithDefaultsRejectsUnparsableMaxMessageSize(t *testing.T) {
	cfg := &Config{MaxMessageSizeHuman: "not-a-size"}
	if err := cfg.withDefaults(); err == nil {
		t.Fatalf("expected an error for an unparsable max_message_size")
	}
}

func TestWithDefaultsFallsBackToConstantWhenUnset(t *testing.T) {
	cfg := &Config{}
	if err := cfg.withDefaults(); err != nil {
		t.Fatalf("withDefaults: %v", err)
	}
	if cfg.MaxMessageSize <= 0 {
		t.Fatalf("expected a positive default MaxMessageSize, got %d", cfg.MaxMessageSize)
	}
}
