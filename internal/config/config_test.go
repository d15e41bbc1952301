package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func writeConfig(t *testing.T, env, body string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "config"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config", "config."+env+".yaml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)
	t.Setenv("CONFIG_ENV", env)
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_ENV", "missing")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 8080 || cfg.PingPeriod != 54*time.Second || cfg.JoinInterval != time.Minute || cfg.Backpressure != "kick" {
		t.Fatalf("defaults %+v", cfg)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	writeConfig(t, "test", "mode: debug\nport: 9000\nmax_members: 4\nping_period: 10s\n")
	t.Setenv("MESHROOM_PORT", "9100")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mode != "debug" || cfg.MaxMembers != 4 || cfg.PingPeriod != 10*time.Second {
		t.Fatalf("file values %+v", cfg)
	}
	if cfg.Port != 9100 {
		t.Fatalf("env override ignored: port %d", cfg.Port)
	}
}

func TestLoadPeerFlagsWin(t *testing.T) {
	writeConfig(t, "test", "room: from-file\ncodec: msgpack\n")

	flags := pflag.NewFlagSet("peer", pflag.ContinueOnError)
	flags.String("room", "lobby", "")
	flags.String("server-url", "", "")
	if err := flags.Parse([]string{"--room", "from-flag"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadPeer(flags)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Room != "from-flag" {
		t.Fatalf("room %q", cfg.Room)
	}
	if cfg.Codec != "msgpack" {
		t.Fatalf("codec %q", cfg.Codec)
	}
	if cfg.ServerURL != "ws://localhost:8080/api/ws/signal" {
		t.Fatalf("unchanged flag must not shadow the default: %q", cfg.ServerURL)
	}
	if got := cfg.WebRTCICEServers(); len(got) != 1 || got[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Fatalf("ice servers %+v", got)
	}
}
