// Package config loads the JSON tuning file and hands out typed parameter
// sets for the tracker, the identity registry and the write-behind journal.
// Every field is optional; the Get* accessors fall back to the documented
// defaults, so partial configs are safe.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gatesight/facecount/identity"
	"github.com/gatesight/facecount/store"
	"github.com/gatesight/facecount/track"
)

// Config is the root tuning schema. Field names match the JSON keys used by
// the sample config shipped in config/facecount.defaults.json.
type Config struct {
	// Cadence params
	DetectEvery  *int `json:"detect_every,omitempty"`  // detector frames run every Nth frame
	RecheckEvery *int `json:"recheck_every,omitempty"` // frames between identity re-attempts

	// Tracker params
	HitsToConfirm   *int     `json:"hits_to_confirm,omitempty"`
	MaxMisses       *int     `json:"max_misses,omitempty"`
	MaxTracks       *int     `json:"max_tracks,omitempty"`
	IoUThreshold    *float64 `json:"iou_threshold,omitempty"`
	ConfidenceDecay *float64 `json:"confidence_decay,omitempty"`
	ConfidenceFloor *float64 `json:"confidence_floor,omitempty"`
	Association     *string  `json:"association,omitempty"`     // "greedy", "hungarian" or "bytetrack"
	HighConfidence  *float64 `json:"high_confidence,omitempty"` // bytetrack only
	LowConfidence   *float64 `json:"low_confidence,omitempty"`  // bytetrack only
	FrameWidth      *int     `json:"frame_width,omitempty"`
	FrameHeight     *int     `json:"frame_height,omitempty"`

	// Identity params
	MatchThreshold          *float64 `json:"match_threshold,omitempty"`
	NewThreshold            *float64 `json:"new_threshold,omitempty"`
	Metric                  *string  `json:"metric,omitempty"` // "cosine" or "euclidean"
	TieEpsilon              *float64 `json:"tie_epsilon,omitempty"`
	MaxEmbeddingsPerVisitor *int     `json:"max_embeddings_per_visitor,omitempty"`
	SearchK                 *int     `json:"search_k,omitempty"`

	// Pipeline params
	Workers   *int  `json:"workers,omitempty"` // 0 embeds inline on the frame loop
	Snapshots *bool `json:"snapshots,omitempty"`

	// Journal params
	JournalBufferSize   *int    `json:"journal_buffer_size,omitempty"`
	JournalMaxRetries   *int    `json:"journal_max_retries,omitempty"`
	JournalRetryBackoff *string `json:"journal_retry_backoff,omitempty"` // duration string like "50ms"

	// Paths
	DatabasePath *string `json:"database_path,omitempty"`
	OutputDir    *string `json:"output_dir,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// Empty returns a Config with all fields unset, which resolves to the
// defaults through the Get* accessors.
func Empty() *Config {
	return &Config{}
}

// Load reads and validates a Config from a JSON file. Fields omitted from
// the file resolve to their defaults.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

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

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration values that are set, plus the
// cross-field constraints on the effective values.
func (c *Config) Validate() error {
	if c.DetectEvery != nil && *c.DetectEvery < 1 {
		return fmt.Errorf("detect_every must be at least 1, got %d", *c.DetectEvery)
	}
	if c.RecheckEvery != nil && *c.RecheckEvery < 1 {
		return fmt.Errorf("recheck_every must be at least 1, got %d", *c.RecheckEvery)
	}
	if c.HitsToConfirm != nil && *c.HitsToConfirm < 1 {
		return fmt.Errorf("hits_to_confirm must be at least 1, got %d", *c.HitsToConfirm)
	}
	if c.MaxMisses != nil && *c.MaxMisses < 1 {
		return fmt.Errorf("max_misses must be at least 1, got %d", *c.MaxMisses)
	}
	if c.MaxTracks != nil && *c.MaxTracks < 1 {
		return fmt.Errorf("max_tracks must be at least 1, got %d", *c.MaxTracks)
	}
	if c.IoUThreshold != nil && (*c.IoUThreshold < 0 || *c.IoUThreshold > 1) {
		return fmt.Errorf("iou_threshold must be between 0 and 1, got %f", *c.IoUThreshold)
	}
	if c.ConfidenceDecay != nil && (*c.ConfidenceDecay <= 0 || *c.ConfidenceDecay > 1) {
		return fmt.Errorf("confidence_decay must be in (0, 1], got %f", *c.ConfidenceDecay)
	}
	if c.ConfidenceFloor != nil && (*c.ConfidenceFloor < 0 || *c.ConfidenceFloor >= 1) {
		return fmt.Errorf("confidence_floor must be in [0, 1), got %f", *c.ConfidenceFloor)
	}
	if c.Association != nil {
		switch *c.Association {
		case "greedy", "hungarian", "bytetrack":
		default:
			return fmt.Errorf("association must be \"greedy\", \"hungarian\" or \"bytetrack\", got %q", *c.Association)
		}
	}
	if c.HighConfidence != nil && (*c.HighConfidence <= 0 || *c.HighConfidence > 1) {
		return fmt.Errorf("high_confidence must be in (0, 1], got %f", *c.HighConfidence)
	}
	if c.LowConfidence != nil && (*c.LowConfidence < 0 || *c.LowConfidence > 1) {
		return fmt.Errorf("low_confidence must be between 0 and 1, got %f", *c.LowConfidence)
	}
	if c.GetLowConfidence() >= c.GetHighConfidence() {
		return fmt.Errorf("low_confidence %f must stay below high_confidence %f",
			c.GetLowConfidence(), c.GetHighConfidence())
	}
	if c.FrameWidth != nil && *c.FrameWidth < 1 {
		return fmt.Errorf("frame_width must be at least 1, got %d", *c.FrameWidth)
	}
	if c.FrameHeight != nil && *c.FrameHeight < 1 {
		return fmt.Errorf("frame_height must be at least 1, got %d", *c.FrameHeight)
	}
	if c.MatchThreshold != nil && *c.MatchThreshold <= 0 {
		return fmt.Errorf("match_threshold must be positive, got %f", *c.MatchThreshold)
	}
	if c.NewThreshold != nil && *c.NewThreshold <= 0 {
		return fmt.Errorf("new_threshold must be positive, got %f", *c.NewThreshold)
	}
	if c.GetMatchThreshold() > c.GetNewThreshold() {
		return fmt.Errorf("match_threshold %f must not exceed new_threshold %f",
			c.GetMatchThreshold(), c.GetNewThreshold())
	}
	if c.Metric != nil {
		if err := identity.Metric(*c.Metric).Validate(); err != nil {
			return fmt.Errorf("invalid metric: %w", err)
		}
	}
	if c.TieEpsilon != nil && *c.TieEpsilon < 0 {
		return fmt.Errorf("tie_epsilon must be non-negative, got %f", *c.TieEpsilon)
	}
	if c.MaxEmbeddingsPerVisitor != nil && *c.MaxEmbeddingsPerVisitor < 1 {
		return fmt.Errorf("max_embeddings_per_visitor must be at least 1, got %d", *c.MaxEmbeddingsPerVisitor)
	}
	if c.SearchK != nil && *c.SearchK < 1 {
		return fmt.Errorf("search_k must be at least 1, got %d", *c.SearchK)
	}
	if c.Workers != nil && *c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", *c.Workers)
	}
	if c.JournalBufferSize != nil && *c.JournalBufferSize < 1 {
		return fmt.Errorf("journal_buffer_size must be at least 1, got %d", *c.JournalBufferSize)
	}
	if c.JournalMaxRetries != nil && *c.JournalMaxRetries < 0 {
		return fmt.Errorf("journal_max_retries must be non-negative, got %d", *c.JournalMaxRetries)
	}
	if c.JournalRetryBackoff != nil && *c.JournalRetryBackoff != "" {
		if _, err := time.ParseDuration(*c.JournalRetryBackoff); err != nil {
			return fmt.Errorf("invalid journal_retry_backoff '%s': %w", *c.JournalRetryBackoff, err)
		}
	}
	return nil
}

// GetDetectEvery returns the detect_every value or the default.
func (c *Config) GetDetectEvery() int {
	if c.DetectEvery == nil {
		return 5
	}
	return *c.DetectEvery
}

// GetRecheckEvery returns the recheck_every value or the default.
func (c *Config) GetRecheckEvery() int {
	if c.RecheckEvery == nil {
		return 15
	}
	return *c.RecheckEvery
}

// GetHitsToConfirm returns the hits_to_confirm value or the default.
func (c *Config) GetHitsToConfirm() int {
	if c.HitsToConfirm == nil {
		return 3
	}
	return *c.HitsToConfirm
}

// GetMaxMisses returns the max_misses value or the default.
func (c *Config) GetMaxMisses() int {
	if c.MaxMisses == nil {
		return 8
	}
	return *c.MaxMisses
}

// GetMaxTracks returns the max_tracks value or the default.
func (c *Config) GetMaxTracks() int {
	if c.MaxTracks == nil {
		return 64
	}
	return *c.MaxTracks
}

// GetIoUThreshold returns the iou_threshold value or the default.
func (c *Config) GetIoUThreshold() float64 {
	if c.IoUThreshold == nil {
		return 0.3
	}
	return *c.IoUThreshold
}

// GetConfidenceDecay returns the confidence_decay value or the default.
func (c *Config) GetConfidenceDecay() float64 {
	if c.ConfidenceDecay == nil {
		return 0.92
	}
	return *c.ConfidenceDecay
}

// GetConfidenceFloor returns the confidence_floor value or the default.
func (c *Config) GetConfidenceFloor() float64 {
	if c.ConfidenceFloor == nil {
		return 0.25
	}
	return *c.ConfidenceFloor
}

// GetAssociation returns the configured assignment solver.
func (c *Config) GetAssociation() track.Algorithm {
	if c.Association == nil {
		return track.AlgorithmGreedy
	}
	switch *c.Association {
	case "hungarian":
		return track.AlgorithmHungarian
	case "bytetrack":
		return track.AlgorithmByteTrack
	default:
		return track.AlgorithmGreedy
	}
}

// GetHighConfidence returns the high_confidence value or the default.
func (c *Config) GetHighConfidence() float64 {
	if c.HighConfidence == nil {
		return 0.5
	}
	return *c.HighConfidence
}

// GetLowConfidence returns the low_confidence value or the default.
func (c *Config) GetLowConfidence() float64 {
	if c.LowConfidence == nil {
		return 0.3
	}
	return *c.LowConfidence
}

// GetFrameWidth returns the frame_width value or the default.
func (c *Config) GetFrameWidth() int {
	if c.FrameWidth == nil {
		return 1280
	}
	return *c.FrameWidth
}

// GetFrameHeight returns the frame_height value or the default.
func (c *Config) GetFrameHeight() int {
	if c.FrameHeight == nil {
		return 720
	}
	return *c.FrameHeight
}

// GetMatchThreshold returns the match_threshold value or the default.
func (c *Config) GetMatchThreshold() float64 {
	if c.MatchThreshold == nil {
		return 0.35
	}
	return *c.MatchThreshold
}

// GetNewThreshold returns the new_threshold value or the default.
func (c *Config) GetNewThreshold() float64 {
	if c.NewThreshold == nil {
		return 0.55
	}
	return *c.NewThreshold
}

// GetMetric returns the configured distance metric.
func (c *Config) GetMetric() identity.Metric {
	if c.Metric == nil {
		return identity.MetricCosine
	}
	return identity.Metric(*c.Metric)
}

// GetTieEpsilon returns the tie_epsilon value or the default.
func (c *Config) GetTieEpsilon() float64 {
	if c.TieEpsilon == nil {
		return 0.05
	}
	return *c.TieEpsilon
}

// GetMaxEmbeddingsPerVisitor returns the max_embeddings_per_visitor value or the default.
func (c *Config) GetMaxEmbeddingsPerVisitor() int {
	if c.MaxEmbeddingsPerVisitor == nil {
		return 5
	}
	return *c.MaxEmbeddingsPerVisitor
}

// GetSearchK returns the search_k value or the default.
func (c *Config) GetSearchK() int {
	if c.SearchK == nil {
		return 8
	}
	return *c.SearchK
}

// GetWorkers returns the workers value or the default.
func (c *Config) GetWorkers() int {
	if c.Workers == nil {
		return 2
	}
	return *c.Workers
}

// GetSnapshots returns the snapshots value or the default.
func (c *Config) GetSnapshots() bool {
	if c.Snapshots == nil {
		return true
	}
	return *c.Snapshots
}

// GetJournalBufferSize returns the journal_buffer_size value or the default.
func (c *Config) GetJournalBufferSize() int {
	if c.JournalBufferSize == nil {
		return 256
	}
	return *c.JournalBufferSize
}

// GetJournalMaxRetries returns the journal_max_retries value or the default.
func (c *Config) GetJournalMaxRetries() int {
	if c.JournalMaxRetries == nil {
		return 3
	}
	return *c.JournalMaxRetries
}

// GetJournalRetryBackoff parses and returns the journal_retry_backoff as a
// time.Duration.
func (c *Config) GetJournalRetryBackoff() time.Duration {
	if c.JournalRetryBackoff == nil || *c.JournalRetryBackoff == "" {
		return 50 * time.Millisecond
	}
	d, err := time.ParseDuration(*c.JournalRetryBackoff)
	if err != nil {
		return 50 * time.Millisecond
	}
	return d
}

// GetDatabasePath returns the database_path value or the default.
func (c *Config) GetDatabasePath() string {
	if c.DatabasePath == nil || *c.DatabasePath == "" {
		return "facecount.db"
	}
	return *c.DatabasePath
}

// GetOutputDir returns the output_dir value or the default.
func (c *Config) GetOutputDir() string {
	if c.OutputDir == nil || *c.OutputDir == "" {
		return "output"
	}
	return *c.OutputDir
}

// TrackParams assembles the tracker policy from the effective values.
func (c *Config) TrackParams() track.Params {
	return track.Params{
		HitsToConfirm:   c.GetHitsToConfirm(),
		MaxMisses:       c.GetMaxMisses(),
		MaxTracks:       c.GetMaxTracks(),
		IoUThreshold:    c.GetIoUThreshold(),
		HighConfidence:  c.GetHighConfidence(),
		LowConfidence:   c.GetLowConfidence(),
		ConfidenceDecay: c.GetConfidenceDecay(),
		ConfidenceFloor: c.GetConfidenceFloor(),
		FrameBounds:     track.NewRect(0, 0, float64(c.GetFrameWidth()), float64(c.GetFrameHeight())),
		DT:              1.0,
		Algorithm:       c.GetAssociation(),
	}
}

// RegistryParams assembles the registry policy from the effective values.
func (c *Config) RegistryParams() identity.RegistryParams {
	return identity.RegistryParams{
		Metric:                  c.GetMetric(),
		TieEpsilon:              c.GetTieEpsilon(),
		MaxEmbeddingsPerVisitor: c.GetMaxEmbeddingsPerVisitor(),
		SearchK:                 c.GetSearchK(),
	}
}

// ResolverParams assembles the resolver thresholds from the effective values.
func (c *Config) ResolverParams() identity.ResolverParams {
	return identity.ResolverParams{
		MatchThreshold: c.GetMatchThreshold(),
		NewThreshold:   c.GetNewThreshold(),
	}
}

// JournalParams assembles the journal policy from the effective values.
func (c *Config) JournalParams() store.JournalParams {
	return store.JournalParams{
		BufferSize:   c.GetJournalBufferSize(),
		MaxRetries:   c.GetJournalMaxRetries(),
		RetryBackoff: c.GetJournalRetryBackoff(),
	}
}
