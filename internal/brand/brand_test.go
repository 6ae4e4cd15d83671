package brand

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBrandLoaded(t *testing.T) {
	assert.Equal(t, "timewall", LowerName)
	assert.Equal(t, "iptables", FilterBinary)
	assert.Equal(t, "firewall.sh", DefaultScriptFile)
	assert.Equal(t, Name, Get().Name)
}

func TestDefaultPolicyPath(t *testing.T) {
	t.Setenv("TIMEWALL_POLICY", "")
	t.Setenv("TIMEWALL_CONFIG_DIR", "")
	assert.Equal(t, filepath.Join("/etc/timewall", "firewall.json"), DefaultPolicyPath())

	t.Setenv("TIMEWALL_CONFIG_DIR", "/tmp/tw")
	assert.Equal(t, filepath.Join("/tmp/tw", "firewall.json"), DefaultPolicyPath())

	t.Setenv("TIMEWALL_POLICY", "/srv/policy.hcl")
	assert.Equal(t, "/srv/policy.hcl", DefaultPolicyPath())
}
