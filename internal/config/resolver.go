// Package config resolves run configuration from three layers, lowest
// precedence first: the YAML config file, TAXO_* environment variables,
// and CLI flags. Every resolved value remembers where it came from so
// `taxo config` can show the effective configuration with provenance.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/taxolab/taxo/internal/engine"
)

type ValueSource string

const (
	SourceUnknown ValueSource = "unknown"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
)

// ResolvedValue is one setting with its provenance.
type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

// ResolveOptions carries the CLI flag values into resolution.
type ResolveOptions struct {
	ConfigPath     string
	CLILLM         string
	CLIEmbed       string
	CLIDBPath      string
	CLIGoal        string
	CLITargetRange string
	CLIBudget      string
	CLIWorkers     string
}

// ResolvedConfig is the effective configuration after all layers.
type ResolvedConfig struct {
	ConfigPath string `json:"config_path"`

	DBPath      ResolvedValue `json:"db_path"`
	LLM         ResolvedValue `json:"llm"`
	Embed       ResolvedValue `json:"embed"`
	Goal        ResolvedValue `json:"goal"`
	TargetRange ResolvedValue `json:"target_range"`

	MaxDepth        ResolvedValue `json:"max_depth"`
	MinClusterSize  ResolvedValue `json:"min_cluster_size"`
	MinClusterRatio ResolvedValue `json:"min_cluster_ratio"`
	MaxReviews      ResolvedValue `json:"max_reviews_per_cluster"`
	ReviewBudget    ResolvedValue `json:"global_review_budget"`
	ReviewWorkers   ResolvedValue `json:"review_workers"`
	InitialK        ResolvedValue `json:"initial_k"`
	SampleSize      ResolvedValue `json:"sample_size"`
}

type fileConfig struct {
	DBPath string `yaml:"db_path"`
	LLM    string `yaml:"llm"`
	Embed  string `yaml:"embed"`
	Run    struct {
		Goal        string `yaml:"goal"`
		TargetRange string `yaml:"target_range"`
	} `yaml:"run"`
	Engine struct {
		MaxDepth        string `yaml:"max_depth"`
		MinClusterSize  string `yaml:"min_cluster_size"`
		MinClusterRatio string `yaml:"min_cluster_ratio"`
		MaxReviews      string `yaml:"max_reviews_per_cluster"`
		ReviewBudget    string `yaml:"global_review_budget"`
		ReviewWorkers   string `yaml:"review_workers"`
		InitialK        string `yaml:"initial_k"`
		SampleSize      string `yaml:"sample_size"`
	} `yaml:"engine"`
}

// DefaultConfigPath is where the config file lives unless overridden.
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".taxo", "config.yaml")
}

// ResolveConfig layers file, environment, and CLI values. A missing config
// file is not an error; a malformed one is.
func ResolveConfig(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}
	out := ResolvedConfig{ConfigPath: path}

	cfg, err := loadConfig(path)
	if err != nil {
		return out, err
	}
	if cfg != nil {
		apply(&out.DBPath, cfg.DBPath, SourceConfig, path)
		apply(&out.LLM, cfg.LLM, SourceConfig, path)
		apply(&out.Embed, cfg.Embed, SourceConfig, path)
		apply(&out.Goal, cfg.Run.Goal, SourceConfig, path)
		apply(&out.TargetRange, cfg.Run.TargetRange, SourceConfig, path)
		apply(&out.MaxDepth, cfg.Engine.MaxDepth, SourceConfig, path)
		apply(&out.MinClusterSize, cfg.Engine.MinClusterSize, SourceConfig, path)
		apply(&out.MinClusterRatio, cfg.Engine.MinClusterRatio, SourceConfig, path)
		apply(&out.MaxReviews, cfg.Engine.MaxReviews, SourceConfig, path)
		apply(&out.ReviewBudget, cfg.Engine.ReviewBudget, SourceConfig, path)
		apply(&out.ReviewWorkers, cfg.Engine.ReviewWorkers, SourceConfig, path)
		apply(&out.InitialK, cfg.Engine.InitialK, SourceConfig, path)
		apply(&out.SampleSize, cfg.Engine.SampleSize, SourceConfig, path)
	}

	applyEnv(&out.DBPath, "TAXO_DB")
	applyEnv(&out.LLM, "TAXO_LLM")
	applyEnv(&out.Embed, "TAXO_EMBED")
	applyEnv(&out.Goal, "TAXO_GOAL")
	applyEnv(&out.TargetRange, "TAXO_TARGET_RANGE")
	applyEnv(&out.MaxDepth, "TAXO_MAX_DEPTH")
	applyEnv(&out.MinClusterSize, "TAXO_MIN_CLUSTER_SIZE")
	applyEnv(&out.MinClusterRatio, "TAXO_MIN_CLUSTER_RATIO")
	applyEnv(&out.MaxReviews, "TAXO_MAX_REVIEWS")
	applyEnv(&out.ReviewBudget, "TAXO_REVIEW_BUDGET")
	applyEnv(&out.ReviewWorkers, "TAXO_WORKERS")
	applyEnv(&out.InitialK, "TAXO_INITIAL_K")
	applyEnv(&out.SampleSize, "TAXO_SAMPLE_SIZE")

	apply(&out.LLM, opts.CLILLM, SourceCLI, "--llm")
	apply(&out.Embed, opts.CLIEmbed, SourceCLI, "--embed")
	apply(&out.DBPath, opts.CLIDBPath, SourceCLI, "--db")
	apply(&out.Goal, opts.CLIGoal, SourceCLI, "--goal")
	apply(&out.TargetRange, opts.CLITargetRange, SourceCLI, "--target")
	apply(&out.ReviewBudget, opts.CLIBudget, SourceCLI, "--budget")
	apply(&out.ReviewWorkers, opts.CLIWorkers, SourceCLI, "--workers")

	if out.DBPath.Value != "" {
		out.DBPath.Value = expandUserPath(out.DBPath.Value)
	}
	return out, nil
}

// EnginePolicy parses the numeric settings into a policy. Unset values
// stay zero and take the engine's defaults.
func (r ResolvedConfig) EnginePolicy() (engine.Policy, error) {
	p := engine.Policy{
		Goal:        r.Goal.Value,
		TargetRange: r.TargetRange.Value,
	}
	for _, f := range []struct {
		dst *int
		v   ResolvedValue
	}{
		{&p.MaxDepth, r.MaxDepth},
		{&p.MinClusterSize, r.MinClusterSize},
		{&p.MaxReviewsPerCluster, r.MaxReviews},
		{&p.GlobalReviewBudget, r.ReviewBudget},
		{&p.ReviewWorkers, r.ReviewWorkers},
		{&p.InitialK, r.InitialK},
	} {
		n, err := parseInt(f.v)
		if err != nil {
			return p, err
		}
		*f.dst = n
	}
	if r.MinClusterRatio.Value != "" {
		ratio, err := strconv.ParseFloat(r.MinClusterRatio.Value, 64)
		if err != nil {
			return p, fmt.Errorf("min_cluster_ratio %q (from %s): %w", r.MinClusterRatio.Value, r.MinClusterRatio.From, err)
		}
		p.MinClusterRatio = ratio
	}
	return p, nil
}

// SampleCount parses the per-cluster sample size, zero when unset.
func (r ResolvedConfig) SampleCount() (int, error) {
	return parseInt(r.SampleSize)
}

func parseInt(v ResolvedValue) (int, error) {
	if strings.TrimSpace(v.Value) == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v.Value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q (from %s)", v.Value, v.From)
	}
	return n, nil
}

func apply(dst *ResolvedValue, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	*dst = ResolvedValue{Value: v, Source: source, From: from}
}

func applyEnv(dst *ResolvedValue, envKey string) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		*dst = ResolvedValue{Value: v, Source: SourceEnv, From: envKey}
	}
}

func loadConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
