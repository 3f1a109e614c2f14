package logger

// Config represents logging configuration
type Config struct {
	Level        string            `yaml:"level" json:"level"`                 // trace, debug, info, warn, error
	JSON         bool              `yaml:"json" json:"json"`                   // console output as JSON instead of text
	FilePath     string            `yaml:"file" json:"file"`                   // optional JSON log file, appended
	Timezone     string            `yaml:"timezone" json:"timezone"`           // "Local", "UTC" or IANA name
	ModuleLevels map[string]string `yaml:"module_levels" json:"module_levels"` // per-module overrides, keyed by top-level module
}

// DefaultLogLevel is used when Config.Level is empty or unknown
const DefaultLogLevel = "info"
