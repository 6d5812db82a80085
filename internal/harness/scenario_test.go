package harness

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: "Init on a signed-out store"
steps:
  - op: init
  - op: await
    for: settled
assertions:
  - { type: session_status, status: unauthenticated }
`

func TestLoadScenario_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.yaml")
	content := `
name: test_scenario
description: "Test scenario for validation"
remote:
  session: { token: t1, user: u1 }
  users:
    - { id: u1, role: cashier, profile: { name: Ana } }
  entities:
    - { kind: products, id: p1, fields: { name: Tea, price: 3 } }
  hold: [session]
options:
  fetch_timeout: 50ms
  rollback: front
steps:
  - op: init
  - op: update
    kind: products
    id: p1
    fields: { price: 4 }
    async: true
assertions:
  - { type: session_status, status: authenticated }
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	require.NotNil(t, scenario.Remote.Session)
	assert.Equal(t, "u1", scenario.Remote.Session.User)
	assert.Equal(t, "Ana", scenario.Remote.Users[0].Profile["name"])
	assert.Equal(t, 3, scenario.Remote.Entities[0].Fields["price"])
	assert.Equal(t, []string{"session"}, scenario.Remote.Hold)
	assert.Equal(t, 50*time.Millisecond, scenario.Options.FetchTimeout)
	assert.Equal(t, "front", scenario.Options.Rollback)
	require.Len(t, scenario.Steps, 2)
	assert.True(t, scenario.Steps[1].Async)
	assert.Equal(t, 4, scenario.Steps[1].Fields["price"])
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_Minimal(t *testing.T) {
	scenario, err := ParseScenario([]byte(minimalScenario))
	require.NoError(t, err)
	assert.Equal(t, "minimal", scenario.Name)
	assert.Nil(t, scenario.Remote.Session)
}

func TestParseScenario_UnknownFieldRejected(t *testing.T) {
	_, err := ParseScenario([]byte(minimalScenario + "assertion: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing name",
			content: "description: d\nsteps: [{op: init}]\nassertions: [{type: session_user}]\n",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			content: "name: n\nsteps: [{op: init}]\nassertions: [{type: session_user}]\n",
			wantErr: "description is required",
		},
		{
			name:    "no steps",
			content: "name: n\ndescription: d\nassertions: [{type: session_user}]\n",
			wantErr: "steps list is required",
		},
		{
			name:    "no assertions",
			content: "name: n\ndescription: d\nsteps: [{op: init}]\n",
			wantErr: "assertions list is required",
		},
		{
			name:    "unknown op",
			content: "name: n\ndescription: d\nsteps: [{op: jump}]\nassertions: [{type: session_user}]\n",
			wantErr: `unknown op "jump"`,
		},
		{
			name:    "unknown event",
			content: "name: n\ndescription: d\nsteps: [{op: event, event: LOGGED_IN}]\nassertions: [{type: session_user}]\n",
			wantErr: `unknown event "LOGGED_IN"`,
		},
		{
			name:    "signed in without user",
			content: "name: n\ndescription: d\nsteps: [{op: event, event: SIGNED_IN}]\nassertions: [{type: session_user}]\n",
			wantErr: "user is required",
		},
		{
			name:    "release without gate",
			content: "name: n\ndescription: d\nsteps: [{op: release}]\nassertions: [{type: session_user}]\n",
			wantErr: "gate is required",
		},
		{
			name:    "await unknown target",
			content: "name: n\ndescription: d\nsteps: [{op: await, for: godot}]\nassertions: [{type: session_user}]\n",
			wantErr: `unknown await target "godot"`,
		},
		{
			name:    "list op in parallel",
			content: "name: n\ndescription: d\nsteps: [{op: parallel, steps: [{op: init}, {op: load, kind: k}]}]\nassertions: [{type: session_user}]\n",
			wantErr: `op "load" cannot run in parallel`,
		},
		{
			name:    "update without id",
			content: "name: n\ndescription: d\nsteps: [{op: update, kind: products}]\nassertions: [{type: session_user}]\n",
			wantErr: "kind and id are required",
		},
		{
			name:    "bad rollback",
			content: "name: n\ndescription: d\noptions: {rollback: back}\nsteps: [{op: init}]\nassertions: [{type: session_user}]\n",
			wantErr: "options.rollback",
		},
		{
			name:    "bad status",
			content: "name: n\ndescription: d\nsteps: [{op: init}]\nassertions: [{type: session_status, status: happy}]\n",
			wantErr: `unknown session status "happy"`,
		},
		{
			name:    "error_code step out of range",
			content: "name: n\ndescription: d\nsteps: [{op: init}]\nassertions: [{type: error_code, step: 2, code: ok}]\n",
			wantErr: "step 2 out of range",
		},
		{
			name:    "unknown failure target",
			content: "name: n\ndescription: d\nremote: {failures: [{target: disk}]}\nsteps: [{op: init}]\nassertions: [{type: session_user}]\n",
			wantErr: `unknown failure target "disk"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadScenario_Testdata(t *testing.T) {
	files, err := FindScenarios("testdata/scenarios", "")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, path := range files {
		t.Run(filepath.Base(path), func(t *testing.T) {
			_, err := LoadScenario(path)
			assert.NoError(t, err)
		})
	}
}
