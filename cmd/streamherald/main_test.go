package main

import (
	"os"
	"testing"
	"time"

	"github.com/streamherald/streamherald/internal/config"
)

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("STREAMHERALD_TEST_INT", "42")
	got := intEnv("STREAMHERALD_TEST_INT", 7)
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("STREAMHERALD_TEST_INT_BAD", "not-a-number")
	got := intEnv("STREAMHERALD_TEST_INT_BAD", 7)
	if got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("STREAMHERALD_TEST_DURATION", "150ms")
	got := durationEnv("STREAMHERALD_TEST_DURATION", time.Second)
	if got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("STREAMHERALD_TEST_DURATION_BAD", "soon")
	got := durationEnv("STREAMHERALD_TEST_DURATION_BAD", 2*time.Second)
	if got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
}

func TestEnvHelpersUseFallbackWhenUnset(t *testing.T) {
	_ = os.Unsetenv("STREAMHERALD_TEST_INT_UNSET")
	_ = os.Unsetenv("STREAMHERALD_TEST_DURATION_UNSET")

	if got := intEnv("STREAMHERALD_TEST_INT_UNSET", 9); got != 9 {
		t.Fatalf("expected fallback 9, got %d", got)
	}
	if got := durationEnv("STREAMHERALD_TEST_DURATION_UNSET", 3*time.Second); got != 3*time.Second {
		t.Fatalf("expected fallback 3s, got %s", got)
	}
}

func TestInt64EnvParsesValue(t *testing.T) {
	t.Setenv("STREAMHERALD_TEST_INT64", "1048576")
	if got := int64Env("STREAMHERALD_TEST_INT64", 0); got != 1048576 {
		t.Fatalf("expected 1048576, got %d", got)
	}
}

func TestTrackerConfigMapping(t *testing.T) {
	cfg := config.Config{
		TargetCategory:  "Just Chatting",
		MessageTemplate: "{{name}}: {{title}}",
		Discord: config.Discord{
			ChannelID: "chan_1",
			GuildID:   "guild_1",
			RoleID:    "role_1",
		},
		Broadcasters: []config.Broadcaster{
			{Login: "foo", DiscordUserID: "discord_foo"},
			{Login: "bar"},
		},
	}
	tc := trackerConfig(cfg)
	if tc.ChannelID != "chan_1" || tc.GuildID != "guild_1" || tc.RoleID != "role_1" {
		t.Fatalf("unexpected discord wiring %+v", tc)
	}
	if tc.TargetCategory != "Just Chatting" {
		t.Fatalf("unexpected target category %q", tc.TargetCategory)
	}
	if tc.Members["foo"] != "discord_foo" {
		t.Fatalf("unexpected members %v", tc.Members)
	}
	if _, ok := tc.Members["bar"]; ok {
		t.Fatalf("unmapped broadcaster must not be a member")
	}
}
