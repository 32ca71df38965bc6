package config_test

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndproxy/ndproxy/internal/config"
	"github.com/ndproxy/ndproxy/internal/rules"
)

const validYAML = `
proxies:
  eth0:
    router: true
    promiscuous: false
    invalid_ttl: 5s
    valid_ttl: 30s
    renew: 5s
    retrans_limit: 3
    retrans_time: 1s
    keepalive: true
    rules:
      - prefix: 2001:db8::/64
        mode: static
      - prefix: 2001:db8:1::/64
        mode: iface
        iface: eth1
        autovia: true
`

func writeTempConfig(t *testing.T, data string) (path string) {
	t.Helper()

	dir := t.TempDir()
	path = filepath.Join(dir, "ndproxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	return path
}

func TestLoad_valid(t *testing.T) {
	path := writeTempConfig(t, validYAML)

	c, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	pc, ok := c.Proxies["eth0"]
	require.True(t, ok)
	assert.True(t, pc.Router)
	assert.Len(t, pc.Rules, 2)

	configs, err := c.ProxyConfigs()
	require.NoError(t, err)

	proxyCfg, ok := configs["eth0"]
	require.True(t, ok)
	assert.Equal(t, "eth0", proxyCfg.Upstream)
	require.NoError(t, proxyCfg.Validate())

	r, ok := proxyCfg.Rules.Match(netip.MustParseAddr("2001:db8:1::1"))
	require.True(t, ok)
	assert.Equal(t, rules.ModeIface, r.Mode)
	assert.Equal(t, "eth1", r.Downstream)
	assert.True(t, r.AutoVia)
}

func TestConfig_Validate_emptyProxies(t *testing.T) {
	c := &config.Config{}
	assert.Error(t, c.Validate())
}

func TestProxyConfig_Validate_badMode(t *testing.T) {
	pc := &config.ProxyConfig{
		Rules: []*config.RuleConfig{{
			Prefix: "2001:db8::/64",
			Mode:   "bogus",
		}},
	}
	assert.Error(t, pc.Validate())
}

func TestRuleConfig_Validate_ifaceRequiresName(t *testing.T) {
	rc := &config.RuleConfig{Prefix: "2001:db8::/64", Mode: "iface"}
	assert.Error(t, rc.Validate())

	rc.Iface = "eth1"
	assert.NoError(t, rc.Validate())
}

func TestRuleConfig_Validate_ifaceOnlyOnIfaceMode(t *testing.T) {
	rc := &config.RuleConfig{Prefix: "2001:db8::/64", Mode: "static", Iface: "eth1"}
	assert.Error(t, rc.Validate())
}

func TestRuleConfig_Validate_badPrefix(t *testing.T) {
	rc := &config.RuleConfig{Prefix: "not-a-prefix", Mode: "static"}
	assert.Error(t, rc.Validate())
}

func TestLoad_missingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
