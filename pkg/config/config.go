// Package config loads and validates the immutable configuration snapshot.
// All thresholds every stage reads live here; reload is process-restart only.
package config

// Config is the umbrella configuration object returned by Initialize and
// shared read-only by all requests.
type Config struct {
	configDir string
	hash      string

	PipelineVersion string `yaml:"pipeline_version"`

	Routing     *RoutingConfig     `yaml:"routing"`
	Expansion   *ExpansionConfig   `yaml:"expansion"`
	Retrieval   *RetrievalConfig   `yaml:"retrieval"`
	Dedup       *DedupConfig       `yaml:"dedup"`
	Rerank      *RerankConfig      `yaml:"rerank"`
	Compression *CompressionConfig `yaml:"compression"`
	Grounding   *GroundingConfig   `yaml:"grounding"`
	Generation  *GenerationConfig  `yaml:"generation"`
	Safety      *SafetyConfig      `yaml:"safety"`
	Shadow      *ShadowConfig      `yaml:"shadow"`
	Server      *ServerConfig      `yaml:"server"`

	Routes []RouteDefinition      `yaml:"-"`
	Flags  map[string]*FlagConfig `yaml:"-"`
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Hash returns the snapshot fingerprint, stable across identical deployments.
func (c *Config) Hash() string {
	return c.hash
}

// GetFlag retrieves a feature flag definition by name.
func (c *Config) GetFlag(name string) (*FlagConfig, bool) {
	f, ok := c.Flags[name]
	return f, ok
}

// Stats contains statistics about loaded configuration for startup logging.
type Stats struct {
	Routes     int
	Utterances int
	Flags      int
	Models     int
}

// Stats returns configuration statistics.
func (c *Config) Stats() Stats {
	s := Stats{Routes: len(c.Routes), Flags: len(c.Flags)}
	for _, r := range c.Routes {
		s.Utterances += len(r.Utterances)
	}
	if c.Generation != nil {
		s.Models = len(c.Generation.Tiers)
	}
	return s
}
