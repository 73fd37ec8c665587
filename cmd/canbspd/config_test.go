package main

import (
	"testing"
	"time"
)

func baseConfig() *appConfig {
	return &appConfig{
		backend:        "sim",
		canIf:          "can0",
		serialDev:      "/dev/null",
		baud:           115200,
		serialReadTO:   10 * time.Millisecond,
		logFormat:      "text",
		logLevel:       "info",
		queueDepth:     32,
		priorityLevels: 4,
		rxRingDepth:    64,
		mailboxes:      3,
		rxMode:         "buffered",
	}
}

func TestConfigValidate_OK(t *testing.T) {
	if err := baseConfig().validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badBackend", func(c *appConfig) { c.backend = "x" }},
		{"badRxMode", func(c *appConfig) { c.rxMode = "x" }},
		{"badLevels", func(c *appConfig) { c.priorityLevels = 3 }},
		{"badDepth", func(c *appConfig) { c.queueDepth = 10 }},
		{"badRing", func(c *appConfig) { c.rxRingDepth = 48 }},
		{"badMailboxes", func(c *appConfig) { c.mailboxes = 0 }},
		{"badBaud", func(c *appConfig) { c.baud = 0 }},
		{"badSerialTO", func(c *appConfig) { c.serialReadTO = 0 }},
		{"silentTx", func(c *appConfig) { c.silent = true; c.txEvery = time.Second }},
		{"rxInjectNonSim", func(c *appConfig) { c.backend = "slcan"; c.rxEvery = time.Second }},
	}
	for _, tc := range tests {
		base := baseConfig()
		tc.mod(base)
		if err := base.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}
