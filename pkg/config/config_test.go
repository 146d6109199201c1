package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/logging"
	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/pipeline"
	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/protocol"
)

const sampleYAML = `
server:
  address: ":9090"
  originPatterns: ["maps.example.com"]
  connectionLimit:
    maxPerIP: 4
    mode: cycle
transport:
  readTimeout: 90s
  sendBuffer: 32
events:
  pushData:
    modifiers:
      - name: rate_limit
        params: ["20/s"]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleetsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FileAndEnv(t *testing.T) {
	t.Setenv("FLEETSYNC_LOG_LEVEL", "debug")

	cfg, err := Load(logging.Discard(), writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, []string{"maps.example.com"}, cfg.Server.OriginPatterns)
	assert.Equal(t, 4, cfg.Server.ConnectionLimit.MaxPerIP)
	assert.Equal(t, LimitModeCycle, cfg.Server.ConnectionLimit.Mode)
	assert.Equal(t, 90*time.Second, cfg.Transport.ReadTimeout)
	assert.Equal(t, 32, cfg.Transport.SendBuffer)
	assert.Equal(t, "debug", cfg.Log.Level)

	// untouched keys keep their defaults
	assert.Equal(t, 30*time.Second, cfg.Transport.PingInterval)
	assert.EqualValues(t, 16<<20, cfg.Transport.MaxMessageBytes)

	require.Contains(t, cfg.Events, "pushdata")
	assert.Equal(t, []StepConfig{{Name: "rate_limit", Params: []string{"20/s"}}}, cfg.Events["pushdata"].Modifiers)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(logging.Discard(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidMode(t *testing.T) {
	path := writeConfig(t, "server:\n  connectionLimit:\n    mode: bounce\n")
	_, err := Load(logging.Discard(), path)
	assert.ErrorContains(t, err, "server.connectionLimit.mode")
}

func TestValidate_AuthNeedsSecret(t *testing.T) {
	cfg := &Config{
		Server:    ServerConfig{Address: ":1", Auth: AuthConfig{Enabled: true}, ConnectionLimit: ConnectionLimitConfig{Mode: LimitModeReject}},
		Transport: TransportConfig{SendBuffer: 1, MaxMessageBytes: 1},
		Log:       LogConfig{Level: "info"},
	}
	assert.ErrorContains(t, cfg.Validate(), "jwtSecret")

	cfg.Server.Auth.JWTSecret = "s3cret"
	assert.NoError(t, cfg.Validate())
}

type fakeProvider struct {
	actions   map[string]pipeline.ActionFunc
	modifiers map[string]pipeline.ModifierFunc
}

func (p fakeProvider) GetActionFunc(name string) (pipeline.ActionFunc, bool) {
	fn, ok := p.actions[name]
	return fn, ok
}

func (p fakeProvider) GetModifierFunc(name string) (pipeline.ModifierFunc, bool) {
	fn, ok := p.modifiers[name]
	return fn, ok
}

func newFakeProvider() fakeProvider {
	noop := func(*pipeline.Cargo, ...string) error { return nil }
	p := fakeProvider{
		actions:   map[string]pipeline.ActionFunc{},
		modifiers: map[string]pipeline.ModifierFunc{"rate_limit": noop},
	}
	for _, ev := range protocol.InboundEvents {
		p.actions[ev] = noop
	}
	return p
}

func TestCompilePipelines(t *testing.T) {
	cfg := &Config{Events: map[string]EventConfig{
		"pushdata": {Modifiers: []StepConfig{{Name: "rate_limit", Params: []string{"5/s"}}}},
	}}
	require.NoError(t, CompilePipelines(cfg, newFakeProvider()))

	assert.Nil(t, cfg.Events)
	require.Len(t, cfg.Pipelines, len(protocol.InboundEvents))

	push := cfg.Pipelines[protocol.EventPushData]
	require.Len(t, push, 2)
	assert.Equal(t, "rate_limit", push[0].Name)
	assert.Equal(t, []string{"5/s"}, push[0].Params)
	assert.Equal(t, protocol.EventPushData, push[1].Name)

	join := cfg.Pipelines[protocol.EventJoin]
	require.Len(t, join, 1)
	assert.Equal(t, protocol.EventJoin, join[0].Name)
}

func TestCompilePipelines_Errors(t *testing.T) {
	cfg := &Config{Events: map[string]EventConfig{
		"pushmap": {Modifiers: []StepConfig{{Name: "teleport"}}},
	}}
	assert.ErrorContains(t, CompilePipelines(cfg, newFakeProvider()), "unknown modifier 'teleport'")

	cfg = &Config{Events: map[string]EventConfig{"broadcastdata": {}}}
	assert.ErrorContains(t, CompilePipelines(cfg, newFakeProvider()), "unknown event")
}

func TestPipelineRunHaltsOnError(t *testing.T) {
	var ran []string
	step := func(name string, err error) pipeline.Step {
		return pipeline.Step{Name: name, Function: func(*pipeline.Cargo, ...string) error {
			ran = append(ran, name)
			return err
		}}
	}
	boom := errors.New("boom")

	failed, err := pipeline.Run(&pipeline.Cargo{}, []pipeline.Step{step("a", nil), step("b", boom), step("c", nil)})
	assert.Equal(t, "b", failed)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a", "b"}, ran)
}
