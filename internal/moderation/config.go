package moderation

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultNamespace is the label namespace consulted when none is configured
const DefaultNamespace = "moderation"

// Duration is a time.Duration that reads and writes as a Go duration string ("168h")
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Config holds the engine tunables
type Config struct {
	// ReportExpiry is the age after which reports stop counting
	ReportExpiry Duration `json:"report_expiry"`

	// LabelerCap and MuteListCap bound concurrent subscriptions
	LabelerCap  int `json:"labeler_cap"`
	MuteListCap int `json:"mute_list_cap"`

	// ModerationNamespaces are the label namespaces the coordinator consults
	ModerationNamespaces []string `json:"moderation_namespaces"`

	// LabelConsensusThreshold is the labeler count at which a value blurs;
	// LabelHideThreshold the count at which it hides
	LabelConsensusThreshold int `json:"label_consensus_threshold"`
	LabelHideThreshold      int `json:"label_hide_threshold"`

	// ConflictPenalty is subtracted from confidence when candidates disagree by
	// more than one severity tier
	ConflictPenalty float64 `json:"conflict_penalty"`

	// DegradedPenalty is subtracted from confidence when a relevant source is unavailable
	DegradedPenalty float64 `json:"degraded_penalty"`

	// SafetyListPath points at the built-in blocklist JSON file (optional)
	SafetyListPath string `json:"safety_list_path,omitempty"`

	// TrustedReviewers are reporters whose reports count as trusted
	TrustedReviewers []string `json:"trusted_reviewers,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		ReportExpiry:            Duration(7 * 24 * time.Hour),
		LabelerCap:              20,
		MuteListCap:             20,
		ModerationNamespaces:    []string{DefaultNamespace},
		LabelConsensusThreshold: 1,
		LabelHideThreshold:      3,
		ConflictPenalty:         0.2,
		DegradedPenalty:         0.1,
	}
}

// Validate checks that the config is valid
func (c *Config) Validate() error {
	if c.ReportExpiry <= 0 {
		return &ConfigError{Field: "report_expiry", Message: "must be positive"}
	}
	if c.LabelerCap <= 0 {
		return &ConfigError{Field: "labeler_cap", Message: "must be positive"}
	}
	if c.MuteListCap <= 0 {
		return &ConfigError{Field: "mute_list_cap", Message: "must be positive"}
	}
	if len(c.ModerationNamespaces) == 0 {
		return &ConfigError{Field: "moderation_namespaces", Message: "at least one namespace is required"}
	}
	if c.LabelConsensusThreshold < 1 {
		return &ConfigError{Field: "label_consensus_threshold", Message: "must be at least 1"}
	}
	if c.LabelHideThreshold < c.LabelConsensusThreshold {
		return &ConfigError{Field: "label_hide_threshold", Message: "must not be below label_consensus_threshold"}
	}
	if c.ConflictPenalty < 0 || c.ConflictPenalty > 1 {
		return &ConfigError{Field: "conflict_penalty", Message: "must be within [0,1]"}
	}
	if c.DegradedPenalty < 0 || c.DegradedPenalty > 1 {
		return &ConfigError{Field: "degraded_penalty", Message: "must be within [0,1]"}
	}
	return nil
}

// LoadConfig reads a JSON config file on top of DefaultConfig.
// An empty path or a missing file yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		log.Info().Msg("moderation: no config path provided, using defaults")
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("path", path).Msg("moderation: config file not found, using defaults")
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}

	log.Info().
		Dur("report_expiry", time.Duration(cfg.ReportExpiry)).
		Strs("namespaces", cfg.ModerationNamespaces).
		Int("labeler_cap", cfg.LabelerCap).
		Int("mute_list_cap", cfg.MuteListCap).
		Str("path", path).
		Msg("moderation: config loaded")

	return cfg, nil
}
