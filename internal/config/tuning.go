package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// knownStatistics lists the statistic names the engine accepts, mirrored
// here so a bad config fails at load time rather than mid-session.
var knownStatistics = map[string]bool{
	"chi": true, "cstat": true, "pgstat": true, "pstat": true,
	"lstat": true, "whittle": true, "ks": true, "ad": true, "cvm": true,
}

// TuningConfig holds the adjustable knobs of the fit engine. All fields are
// pointers so a partial JSON file only overrides what it names; the Get*
// methods supply defaults for the rest.
type TuningConfig struct {
	// Fit method params
	DeltaCrit            *float64 `json:"delta_crit,omitempty"`
	MaxTrials            *int     `json:"max_trials,omitempty"`
	DelayedGratification *bool    `json:"delayed_gratification,omitempty"`
	Statistic            *string  `json:"statistic,omitempty"`

	// Error search params
	ErrorDeltaStat *float64 `json:"error_delta_stat,omitempty"`
	ErrorTolerance *float64 `json:"error_tolerance,omitempty"`
	ErrorMaxTrials *int     `json:"error_max_trials,omitempty"`

	// Parallelism
	Workers *int `json:"workers,omitempty"`

	// Chain params
	ChainLength        *int     `json:"chain_length,omitempty"`
	ChainBurnIn        *int     `json:"chain_burn_in,omitempty"`
	ChainProposalScale *float64 `json:"chain_proposal_scale,omitempty"`

	// Output params
	SessionDB *string `json:"session_db,omitempty"`
	PlotDir   *string `json:"plot_dir,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the
// max file size. Fields omitted from the JSON file retain their default
// values, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from
// DefaultConfigPath, searching upward from the current directory. Panics if
// the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.DeltaCrit != nil && *c.DeltaCrit <= 0 {
		return fmt.Errorf("delta_crit must be positive, got %g", *c.DeltaCrit)
	}
	if c.MaxTrials != nil && *c.MaxTrials < 1 {
		return fmt.Errorf("max_trials must be at least 1, got %d", *c.MaxTrials)
	}
	if c.Statistic != nil && !knownStatistics[*c.Statistic] {
		return fmt.Errorf("unknown statistic %q", *c.Statistic)
	}
	if c.ErrorDeltaStat != nil && *c.ErrorDeltaStat <= 0 {
		return fmt.Errorf("error_delta_stat must be positive, got %g", *c.ErrorDeltaStat)
	}
	if c.ErrorTolerance != nil && (*c.ErrorTolerance <= 0 || *c.ErrorTolerance >= 1) {
		return fmt.Errorf("error_tolerance must be in (0,1), got %g", *c.ErrorTolerance)
	}
	if c.ErrorMaxTrials != nil && *c.ErrorMaxTrials < 1 {
		return fmt.Errorf("error_max_trials must be at least 1, got %d", *c.ErrorMaxTrials)
	}
	if c.Workers != nil && *c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", *c.Workers)
	}
	if c.ChainLength != nil && *c.ChainLength < 1 {
		return fmt.Errorf("chain_length must be at least 1, got %d", *c.ChainLength)
	}
	if c.ChainBurnIn != nil && *c.ChainBurnIn < 0 {
		return fmt.Errorf("chain_burn_in must be non-negative, got %d", *c.ChainBurnIn)
	}
	if c.ChainProposalScale != nil && *c.ChainProposalScale <= 0 {
		return fmt.Errorf("chain_proposal_scale must be positive, got %g", *c.ChainProposalScale)
	}
	return nil
}

// GetDeltaCrit returns the delta_crit value or the default.
func (c *TuningConfig) GetDeltaCrit() float64 {
	if c.DeltaCrit == nil {
		return 1e-3
	}
	return *c.DeltaCrit
}

// GetMaxTrials returns the max_trials value or the default.
func (c *TuningConfig) GetMaxTrials() int {
	if c.MaxTrials == nil {
		return 100
	}
	return *c.MaxTrials
}

// GetDelayedGratification returns the delayed_gratification value or the default.
func (c *TuningConfig) GetDelayedGratification() bool {
	if c.DelayedGratification == nil {
		return false
	}
	return *c.DelayedGratification
}

// GetStatistic returns the statistic name or the default.
func (c *TuningConfig) GetStatistic() string {
	if c.Statistic == nil {
		return "chi"
	}
	return *c.Statistic
}

// GetErrorDeltaStat returns the error_delta_stat value or the default
// (90% confidence for a single parameter).
func (c *TuningConfig) GetErrorDeltaStat() float64 {
	if c.ErrorDeltaStat == nil {
		return 2.706
	}
	return *c.ErrorDeltaStat
}

// GetErrorTolerance returns the error_tolerance value or the default.
func (c *TuningConfig) GetErrorTolerance() float64 {
	if c.ErrorTolerance == nil {
		return 0.01
	}
	return *c.ErrorTolerance
}

// GetErrorMaxTrials returns the error_max_trials value or the default.
func (c *TuningConfig) GetErrorMaxTrials() int {
	if c.ErrorMaxTrials == nil {
		return 30
	}
	return *c.ErrorMaxTrials
}

// GetWorkers returns the workers value or the default (sequential).
func (c *TuningConfig) GetWorkers() int {
	if c.Workers == nil {
		return 1
	}
	return *c.Workers
}

// GetChainLength returns the chain_length value or the default.
func (c *TuningConfig) GetChainLength() int {
	if c.ChainLength == nil {
		return 10000
	}
	return *c.ChainLength
}

// GetChainBurnIn returns the chain_burn_in value, or a tenth of the chain
// length when unset.
func (c *TuningConfig) GetChainBurnIn() int {
	if c.ChainBurnIn == nil {
		return c.GetChainLength() / 10
	}
	return *c.ChainBurnIn
}

// GetChainProposalScale returns the chain_proposal_scale value or the default.
func (c *TuningConfig) GetChainProposalScale() float64 {
	if c.ChainProposalScale == nil {
		return 1.0
	}
	return *c.ChainProposalScale
}

// GetSessionDB returns the session_db path or the default.
func (c *TuningConfig) GetSessionDB() string {
	if c.SessionDB == nil {
		return "specfit.db"
	}
	return *c.SessionDB
}

// GetPlotDir returns the plot_dir value or the default.
func (c *TuningConfig) GetPlotDir() string {
	if c.PlotDir == nil {
		return "plots"
	}
	return *c.PlotDir
}
