// Package internal provides the application configuration and runtime
// wiring for the munin writer process.
package internal

import (
	"fmt"
	"log/slog"
	"path/filepath"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Config represents the project configuration (munin.yaml).
type Config struct {
	App        ApplicationConfig `yaml:"app"`
	Graph      GraphConfig       `yaml:"graph"`
	Embeddings EmbeddingsConfig  `yaml:"embeddings"`
	Search     SearchConfig      `yaml:"search"`
	Review     ReviewConfig      `yaml:"review"`
	Server     ServerConfig      `yaml:"server"`
	Sources    []SourceConfig    `yaml:"sources"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.Graph.Validate(); err != nil {
		return err
	}
	if err := c.Search.Validate(); err != nil {
		return err
	}
	if err := c.Review.Validate(); err != nil {
		return err
	}
	if err := c.Server.Validate(); err != nil {
		return err
	}
	for i := range c.Sources {
		if err := c.Sources[i].Validate(); err != nil {
			return fmt.Errorf("sources[%d]: %w", i, err)
		}
	}
	return nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
}

// GraphConfig holds the project-local data root (nodes/ and index/ live
// under it).
type GraphConfig struct {
	Root string `yaml:"root"`
}

// Validate validates the graph configuration.
func (c *GraphConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Root, validation.Required),
	)
}

// NodesDir is the record-log tree.
func (c *GraphConfig) NodesDir() string { return filepath.Join(c.Root, "nodes") }

// IndexDir holds the derived store and watcher status.
func (c *GraphConfig) IndexDir() string { return filepath.Join(c.Root, "index") }

// DBPath is the derived SQLite store.
func (c *GraphConfig) DBPath() string { return filepath.Join(c.IndexDir(), "graph.db") }

// StatusPath is the watcher's status file.
func (c *GraphConfig) StatusPath() string { return filepath.Join(c.IndexDir(), "watcher.status") }

// EmbeddingsConfig selects the embedding provider via a prefixed model
// string (ollama:, gemini:, openai:).
type EmbeddingsConfig struct {
	Model string `yaml:"model"`
}

// SearchConfig holds the hybrid-ranking parameters.
type SearchConfig struct {
	FTSWeight              float64 `yaml:"fts_weight"`
	VectorWeight           float64 `yaml:"vector_weight"`
	DualMatchBonus         float64 `yaml:"dual_match_bonus"`
	UseReranker            bool    `yaml:"use_reranker"`
	RerankerModel          string  `yaml:"reranker_model"`
	RerankerURL            string  `yaml:"reranker_url"`
	AutoCalibrateThreshold float64 `yaml:"auto_calibrate_threshold"`
}

// Validate validates the search configuration.
func (c *SearchConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.FTSWeight, validation.Min(0.0)),
		validation.Field(&c.VectorWeight, validation.Min(0.0)),
		validation.Field(&c.DualMatchBonus, validation.Min(0.0)),
		validation.Field(&c.AutoCalibrateThreshold, validation.Min(0.0), validation.Max(1.0)),
	)
}

// ReviewConfig holds the budget-accounting threshold.
type ReviewConfig struct {
	BudgetThreshold float64 `yaml:"budget_threshold"`
}

// Validate validates the review configuration.
func (c *ReviewConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.BudgetThreshold, validation.Min(0.0)),
	)
}

// ServerConfig holds the process ports.
type ServerConfig struct {
	Port       int `yaml:"port"`
	VectorPort int `yaml:"vector_port"`
}

// VectorAddress returns the vector server's listen address.
func (c *ServerConfig) VectorAddress() string {
	return fmt.Sprintf("127.0.0.1:%d", c.VectorPort)
}

// Validate validates the server configuration.
func (c *ServerConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.VectorPort, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// SourceConfig is one repeated sources entry: a file tree indexed as
// synthetic _doc-* nodes.
type SourceConfig struct {
	Name    string   `yaml:"name"`
	Path    string   `yaml:"path"`
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
	UseGit  bool     `yaml:"use_git"`
	MaxKB   int      `yaml:"max_size_kb"`
}

// Validate validates a source entry.
func (c *SourceConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Name, validation.Required),
		validation.Field(&c.Path, validation.Required),
	)
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App:        ApplicationConfig{LogLevel: slog.LevelInfo},
		Graph:      GraphConfig{Root: ".munin"},
		Embeddings: EmbeddingsConfig{Model: "ollama:nomic-embed-text"},
		Search: SearchConfig{
			FTSWeight:              0.5,
			VectorWeight:           0.5,
			DualMatchBonus:         0.1,
			UseReranker:            true,
			RerankerModel:          "ms-marco-MiniLM-L-6-v2",
			AutoCalibrateThreshold: 0.05,
		},
		Review: ReviewConfig{BudgetThreshold: 3000},
		Server: ServerConfig{Port: 7343, VectorPort: 7344},
	}
}
