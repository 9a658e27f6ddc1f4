package config

import (
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// CoreVersion is the version a profile's min_core_version constraint is
// checked against.
const CoreVersion = "1.2.0"

// Profile is a deployment policy profile: ingest tolerances, penalty
// policy, scoring thresholds and scheduler cadence in one reviewable file.
type Profile struct {
	Name           string `yaml:"name"`
	MinCoreVersion string `yaml:"min_core_version,omitempty"`

	Oracle struct {
		SkewTolerance time.Duration `yaml:"skew_tolerance"`
		WindowSize    int           `yaml:"window_size"`
		VerifyTimeout time.Duration `yaml:"verify_timeout"`
		SubmitRate    float64       `yaml:"submit_rate"`
		SubmitBurst   int           `yaml:"submit_burst"`
	} `yaml:"oracle"`

	Penalty struct {
		// Unit is the flat per-violation charge in minor units.
		Unit int64 `yaml:"unit"`
		// Expression, when set, replaces the flat policy with a CEL
		// expression over the violation list.
		Expression string `yaml:"expression,omitempty"`
	} `yaml:"penalty"`

	Scoring struct {
		MissingFieldPenalty int           `yaml:"missing_field_penalty"`
		MinHistoryLength    int           `yaml:"min_history_length"`
		OpacityPenalty      int           `yaml:"opacity_penalty"`
		FreshnessWindow     time.Duration `yaml:"freshness_window"`
		StalenessPenalty    int           `yaml:"staleness_penalty"`
		ViolationPenalty    int           `yaml:"violation_penalty"`
	} `yaml:"scoring"`

	Scheduler struct {
		Interval time.Duration `yaml:"interval"`
		Horizon  time.Duration `yaml:"horizon"`
	} `yaml:"scheduler"`
}

// LoadProfile reads and validates a profile YAML. A min_core_version the
// running core does not satisfy is a hard error: silently running with a
// newer profile's semantics is worse than refusing to start.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", path, err)
	}

	if p.MinCoreVersion != "" {
		constraint, err := semver.NewConstraint(">= " + p.MinCoreVersion)
		if err != nil {
			return nil, fmt.Errorf("profile %q: bad min_core_version: %w", path, err)
		}
		current := semver.MustParse(CoreVersion)
		if !constraint.Check(current) {
			return nil, fmt.Errorf("profile %q requires core >= %s, running %s",
				path, p.MinCoreVersion, CoreVersion)
		}
	}
	return &p, nil
}
