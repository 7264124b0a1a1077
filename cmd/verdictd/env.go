package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"verdict/internal/relay"

	"github.com/rs/zerolog/log"
)

// envConfig is the daemon configuration read from the environment
type envConfig struct {
	Port       string
	DBBackend  string
	DBPath     string
	ConfigPath string
	Relays     []string

	Reporters []string
	Labelers  []string
	MuteLists []string
}

// loadEnv reads the daemon configuration. getenv is os.Getenv outside tests.
func loadEnv(getenv func(string) string) (envConfig, error) {
	cfg := envConfig{
		Port:       getenv("PORT"),
		DBBackend:  getenv("VERDICT_DB_BACKEND"),
		DBPath:     getenv("VERDICT_DB_PATH"),
		ConfigPath: getenv("VERDICT_CONFIG"),
		Relays:     splitList(getenv("VERDICT_RELAYS")),
	}
	if cfg.Port == "" {
		cfg.Port = "18920"
	}
	if len(cfg.Relays) == 0 {
		cfg.Relays = relay.DefaultRelays
	}

	switch cfg.DBBackend {
	case "":
		cfg.DBBackend = "bolt"
	case "bolt", "sqlite":
	default:
		return cfg, fmt.Errorf("unknown VERDICT_DB_BACKEND %q (want bolt or sqlite)", cfg.DBBackend)
	}

	if cfg.DBPath == "" {
		// Default to XDG data directory so the daemon can run from read-only locations
		dataDir := getenv("XDG_DATA_HOME")
		if dataDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return cfg, fmt.Errorf("failed to get home directory: %w", err)
			}
			dataDir = filepath.Join(home, ".local", "share")
		}
		name := "verdict.db"
		if cfg.DBBackend == "sqlite" {
			name = "verdict.sqlite"
		}
		cfg.DBPath = filepath.Join(dataDir, "verdict", name)
	}

	var err error
	if cfg.Reporters, err = pubkeysFromEnv(getenv, "VERDICT_REPORTERS"); err != nil {
		return cfg, err
	}
	if cfg.Labelers, err = pubkeysFromEnv(getenv, "VERDICT_LABELERS"); err != nil {
		return cfg, err
	}
	if cfg.MuteLists, err = pubkeysFromEnv(getenv, "VERDICT_MUTE_LISTS"); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// pubkeysFromEnv merges the comma-separated list in name with the file named
// by name+"_FILE". Invalid keys in the list are an error.
func pubkeysFromEnv(getenv func(string) string, name string) ([]string, error) {
	var keys []string
	for _, k := range splitList(getenv(name)) {
		if !isPubkey(k) {
			return nil, fmt.Errorf("%s: invalid pubkey %q", name, k)
		}
		keys = append(keys, strings.ToLower(k))
	}
	if path := getenv(name + "_FILE"); path != "" {
		fromFile, err := loadPubkeys(path)
		if err != nil {
			return nil, fmt.Errorf("%s_FILE: %w", name, err)
		}
		keys = append(keys, fromFile...)
	}
	return dedupe(keys), nil
}

// loadPubkeys reads hex pubkeys from a file, one per line.
// Blank lines and lines starting with # are skipped; invalid lines are logged and skipped.
func loadPubkeys(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var keys []string
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !isPubkey(line) {
			log.Warn().Str("file", path).Int("line", lineNo).Str("value", line).Msg("Skipping invalid pubkey")
			continue
		}
		keys = append(keys, strings.ToLower(line))
	}
	return keys, scanner.Err()
}

func isPubkey(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
