package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/park285/cheese-live-board/internal/protocol"
)

type AppConfig struct {
	ListenAddr string
	OpsAddr    string

	DefaultRoom    string
	AllowedOrigins []string

	SendBuffer    int
	PingInterval  time.Duration
	RoomIdleTTL   time.Duration
	SweepInterval time.Duration

	RedisURL         string
	SnapshotTTL      time.Duration
	RestoreSnapshots bool

	MessagesDir string
}

// Load reads an optional .env file and then the process environment.
func Load() (*AppConfig, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds the config from a lookup function (os.Getenv in production).
func FromEnv(getenv func(string) string) (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:    ":8080",
		OpsAddr:       ":9090",
		DefaultRoom:   "main",
		SendBuffer:    64,
		PingInterval:  25 * time.Second,
		RoomIdleTTL:   time.Hour,
		SweepInterval: 10 * time.Minute,
		SnapshotTTL:   2 * time.Hour,
	}
	get := func(k string) string { return strings.TrimSpace(getenv(k)) }

	if v := get("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := get("OPS_ADDR"); v != "" {
		cfg.OpsAddr = v
	}
	if v := get("DEFAULT_ROOM"); v != "" {
		cfg.DefaultRoom = v
	}
	cfg.AllowedOrigins = splitList(get("ALLOWED_ORIGINS"))

	if v := get("SEND_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SendBuffer = n
		}
	}
	if d, ok := seconds(get("PING_INTERVAL_SEC")); ok {
		cfg.PingInterval = d
	}
	if d, ok := seconds(get("ROOM_IDLE_TTL_SEC")); ok {
		cfg.RoomIdleTTL = d
	}
	if d, ok := seconds(get("SWEEP_INTERVAL_SEC")); ok {
		cfg.SweepInterval = d
	}

	cfg.RedisURL = get("REDIS_URL")
	if d, ok := seconds(get("SNAPSHOT_TTL_SEC")); ok {
		cfg.SnapshotTTL = d
	}
	if v := get("RESTORE_SNAPSHOTS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("RESTORE_SNAPSHOTS: %w", err)
		}
		cfg.RestoreSnapshots = b
	}
	cfg.MessagesDir = get("MESSAGES_DIR")

	if !protocol.ValidRoomID(cfg.DefaultRoom) {
		return nil, fmt.Errorf("DEFAULT_ROOM %q: want 1-64 of [A-Za-z0-9_-]", cfg.DefaultRoom)
	}
	if cfg.ListenAddr == cfg.OpsAddr {
		return nil, errors.New("LISTEN_ADDR and OPS_ADDR must differ")
	}
	if cfg.RestoreSnapshots && cfg.RedisURL == "" {
		return nil, errors.New("RESTORE_SNAPSHOTS requires REDIS_URL")
	}
	return cfg, nil
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func seconds(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}
