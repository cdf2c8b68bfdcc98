package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/switchyard/internal/trigger"
)

func TestCompile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", baseYAML+`
  - name: mainline
    trigger_types: [push, commit]
    conditions:
      branch: main|master
      repository: acme/.*
      user: bot-.*
    target_servers: [analyzer, deployer]
    enabled: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	snap, err := Compile(cfg)
	require.NoError(t, err)

	require.Len(t, snap.Servers, 2)
	assert.Equal(t, "analyzer", snap.Servers[0].Name)
	assert.Equal(t, "http://localhost:9001", snap.Servers[0].Endpoint)
	assert.True(t, snap.Servers[0].Enabled)
	assert.Equal(t, DefaultRetryCount, snap.Servers[0].RetryCount)
	assert.False(t, snap.Servers[1].Enabled)
	assert.Equal(t, 0, snap.Servers[1].RetryCount)
	assert.True(t, snap.Servers[0].HasCapability(CapSecurity))
	assert.NotEmpty(t, snap.Fingerprint)

	s, ok := snap.Server("deployer")
	assert.True(t, ok)
	assert.Equal(t, "deployer", s.Name)
	_, ok = snap.Server("ghost")
	assert.False(t, ok)

	require.Len(t, snap.Rules, 2)
	assert.Equal(t, 1, snap.EnabledRules())

	bugs := snap.Rules[0]
	assert.True(t, bugs.AppliesTo(trigger.KindIssue))
	assert.True(t, bugs.Targeting("analyzer"))
	require.Len(t, bugs.Conditions, 1)
	assert.Equal(t, CondKeywords, bugs.Conditions[0].Kind)
	assert.Equal(t, []string{"bug", "error"}, bugs.Conditions[0].Keywords)

	mainline := snap.Rules[1]
	require.Len(t, mainline.Conditions, 3)
	for _, c := range mainline.Conditions {
		if c.Kind == CondBranch {
			assert.True(t, c.Pattern.MatchString("main"))
			assert.False(t, c.Pattern.MatchString("feature/main"), "patterns must match the whole value")
		}
	}
}

func TestCompileRejectsInvalid(t *testing.T) {
	cfg := Defaults()
	cfg.Servers = []ServerConf{{Name: "a", Endpoint: "http://a", Priority: 0}}
	_, err := Compile(cfg)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestParseCapability(t *testing.T) {
	c, err := ParseCapability(" Code_Analysis ")
	require.NoError(t, err)
	assert.Equal(t, CapCodeAnalysis, c)

	_, err = ParseCapability("magic")
	assert.Error(t, err)
	assert.Len(t, Capabilities(), 10)
}
