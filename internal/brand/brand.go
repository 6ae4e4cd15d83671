// Package brand provides the product identity used in logs, script headers
// and the status API. The values are embedded from brand.json.
package brand

import (
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
)

//go:embed brand.json
var brandJSON []byte

// Brand holds all branding information
type Brand struct {
	Name              string `json:"name"`
	LowerName         string `json:"lowerName"`
	Description       string `json:"description"`
	Tagline           string `json:"tagline"`
	ConfigEnvPrefix   string `json:"configEnvPrefix"`
	DefaultConfigDir  string `json:"defaultConfigDir"`
	BinaryName        string `json:"binaryName"`
	DefaultPolicyFile string `json:"defaultPolicyFile"`
	DefaultScriptFile string `json:"defaultScriptFile"`
	FilterBinary      string `json:"filterBinary"`
}

var b Brand

func init() {
	if err := json.Unmarshal(brandJSON, &b); err != nil {
		panic("failed to parse brand.json: " + err.Error())
	}

	Name = b.Name
	LowerName = b.LowerName
	Description = b.Description
	ConfigEnvPrefix = b.ConfigEnvPrefix
	DefaultConfigDir = b.DefaultConfigDir
	BinaryName = b.BinaryName
	DefaultScriptFile = b.DefaultScriptFile
	FilterBinary = b.FilterBinary
}

var (
	Name              string
	LowerName         string
	Description       string
	ConfigEnvPrefix   string
	DefaultConfigDir  string
	BinaryName        string
	DefaultScriptFile string
	FilterBinary      string

	// Version is set at build time via -ldflags
	Version   = "dev"
	GitCommit = "unknown"
)

// Get returns the full Brand struct
func Get() Brand {
	return b
}

// DefaultPolicyPath returns the policy document path, checking env vars first.
// Priority: TIMEWALL_POLICY > TIMEWALL_CONFIG_DIR/<file> > DefaultConfigDir/<file>
func DefaultPolicyPath() string {
	if p := os.Getenv(ConfigEnvPrefix + "_POLICY"); p != "" {
		return p
	}
	dir := DefaultConfigDir
	if d := os.Getenv(ConfigEnvPrefix + "_CONFIG_DIR"); d != "" {
		dir = d
	}
	return filepath.Join(dir, b.DefaultPolicyFile)
}
