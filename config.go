package openmemory

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Tier presets trade retrieval quality against footprint.
const (
	TierFast   = "fast"
	TierSmart  = "smart"
	TierDeep   = "deep"
	TierHybrid = "hybrid"
)

// Config holds engine initialization parameters. Zero values are filled by
// ApplyDefaults; the Tier preset runs first so explicit fields win.
type Config struct {
	DBPath        string `yaml:"dbPath"`
	Tier          string `yaml:"tier"`
	VecDim        int    `yaml:"vecDim"`
	CacheSegments int    `yaml:"cacheSegments"`
	MaxActive     int    `yaml:"maxActive"`

	DecayThreads         int     `yaml:"decayThreads"`
	DecayRatio           float64 `yaml:"decayRatio"`
	DecayIntervalMinutes int     `yaml:"decayIntervalMinutes"`
	DecayColdThreshold   float64 `yaml:"decayColdThreshold"`
	DecaySleepMs         int     `yaml:"decaySleepMs"`
	ReinforceOnQuery     *bool   `yaml:"decayReinforceOnQuery"`
	RegenerationEnabled  *bool   `yaml:"regenerationEnabled"`

	MaxVectorDim  int `yaml:"maxVectorDim"`
	MinVectorDim  int `yaml:"minVectorDim"`
	SummaryLayers int `yaml:"summaryLayers"` // 1..3 extractive depth

	ReflectMin             int   `yaml:"reflectMin"`
	ReflectIntervalMinutes int   `yaml:"reflectInterval"`
	AutoReflect            *bool `yaml:"autoReflect"`

	UserSummaryIntervalMinutes     int `yaml:"userSummaryInterval"`
	ClassifierTrainIntervalMinutes int `yaml:"classifierTrainInterval"`

	WaypointTopK       int `yaml:"waypointTopK"`
	MaxMemoriesPerUser int `yaml:"maxMemoriesPerUser"` // 0 = uncapped

	// EncryptionKey is a passphrase; the CryptoBox derives a 256-bit key.
	EncryptionKey string `yaml:"encryptionKey"`

	// Encoder provider selection: synthetic | openai | ollama.
	EncoderProvider string `yaml:"encoderProvider"`
	OpenAIAPIKey    string `yaml:"openaiApiKey"`
	OpenAIBaseURL   string `yaml:"openaiBaseUrl"`
	OpenAIModel     string `yaml:"openaiModel"`
	OllamaURL       string `yaml:"ollamaUrl"`
	OllamaModel     string `yaml:"ollamaModel"`

	// GeneratorURL is an optional OpenAI-compatible chat endpoint used for
	// reflective synthesis and user profile summaries (best effort).
	GeneratorURL   string `yaml:"generatorUrl"`
	GeneratorModel string `yaml:"generatorModel"`

	// Resonance overrides entries of the default cross-sector matrix.
	Resonance map[Sector]map[Sector]float64 `yaml:"resonance"`

	Verbose bool `yaml:"verbose"`

	// Injectable dependencies (tests, embedders, generators). Not YAML.
	Encoder   Encoder          `yaml:"-"`
	Generator Generator        `yaml:"-"`
	Logger    *zap.Logger      `yaml:"-"`
	Clock     func() time.Time `yaml:"-"`
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("openmemory: read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("openmemory: parse config %s: %w", path, err)
	}
	return cfg, nil
}

func boolPtr(v bool) *bool { return &v }

// ApplyDefaults fills zero-valued fields, starting from the tier preset.
func (c *Config) ApplyDefaults() {
	if c.Tier == "" {
		c.Tier = TierSmart
	}
	if c.VecDim == 0 {
		switch c.Tier {
		case TierFast:
			c.VecDim = 128
		case TierDeep:
			c.VecDim = 768
		case TierHybrid:
			c.VecDim = 384
		default:
			c.VecDim = 256
		}
	}
	if c.CacheSegments == 0 {
		if c.Tier == TierFast {
			c.CacheSegments = 4
		} else {
			c.CacheSegments = 8
		}
	}
	if c.DBPath == "" {
		c.DBPath = "./data/openmemory.db"
	}
	if c.MaxActive == 0 {
		c.MaxActive = 64
	}
	if c.DecayThreads == 0 {
		c.DecayThreads = 2
	}
	if c.DecayRatio == 0 {
		c.DecayRatio = 0.2
	}
	if c.DecayIntervalMinutes == 0 {
		c.DecayIntervalMinutes = 10
	}
	if c.DecayColdThreshold == 0 {
		c.DecayColdThreshold = 0.3
	}
	if c.DecaySleepMs == 0 {
		c.DecaySleepMs = 5
	}
	if c.ReinforceOnQuery == nil {
		c.ReinforceOnQuery = boolPtr(true)
	}
	if c.RegenerationEnabled == nil {
		c.RegenerationEnabled = boolPtr(true)
	}
	if c.MaxVectorDim == 0 {
		c.MaxVectorDim = c.VecDim
	}
	if c.MinVectorDim == 0 {
		c.MinVectorDim = 32
	}
	if c.SummaryLayers < 1 || c.SummaryLayers > 3 {
		c.SummaryLayers = 2
	}
	if c.ReflectMin == 0 {
		c.ReflectMin = 20
	}
	if c.ReflectIntervalMinutes == 0 {
		c.ReflectIntervalMinutes = 10
	}
	if c.AutoReflect == nil {
		c.AutoReflect = boolPtr(true)
	}
	if c.UserSummaryIntervalMinutes == 0 {
		c.UserSummaryIntervalMinutes = 30
	}
	if c.ClassifierTrainIntervalMinutes == 0 {
		c.ClassifierTrainIntervalMinutes = 60
	}
	if c.WaypointTopK == 0 {
		c.WaypointTopK = 4
	}
	if c.EncryptionKey == "" {
		c.EncryptionKey = "openmemory-dev-key"
	}
	if c.EncoderProvider == "" {
		c.EncoderProvider = ProviderSynthetic
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// DecayInterval returns the decay worker period.
func (c *Config) DecayInterval() time.Duration {
	return time.Duration(c.DecayIntervalMinutes) * time.Minute
}

// ReflectInterval returns the reflection worker period.
func (c *Config) ReflectInterval() time.Duration {
	return time.Duration(c.ReflectIntervalMinutes) * time.Minute
}

// NewLogger builds the engine logger. Verbose selects debug level.
func NewLogger(verbose bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
