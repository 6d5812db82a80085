package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityAddListUpdateRemove(t *testing.T) {
	db := tempDB(t)

	out, _, err := execute(t, "--db", db, "entity", "add", "products", "--id", "p1", "--set", "name=Tea", "--set", "price=3")
	require.NoError(t, err)
	assert.Equal(t, "added products/p1 {name=Tea price=3}\n", out)

	_, _, err = execute(t, "--db", db, "entity", "add", "products", "--id", "p2", "--set", "name=Scone", "--set", "vegan=true")
	require.NoError(t, err)

	out, _, err = execute(t, "--db", db, "entity", "list", "products")
	require.NoError(t, err)
	assert.Equal(t, "p1\t{name=Tea price=3}\np2\t{name=Scone vegan=true}\n", out)

	out, _, err = execute(t, "--db", db, "entity", "update", "products", "p1", "--set", "price=3.5")
	require.NoError(t, err)
	assert.Equal(t, "updated products/p1 {name=Tea price=3.5}\n", out)

	out, _, err = execute(t, "--db", db, "entity", "remove", "products", "p1")
	require.NoError(t, err)
	assert.Equal(t, "removed products/p1\n", out)

	out, _, err = execute(t, "--db", db, "entity", "list", "products")
	require.NoError(t, err)
	assert.Equal(t, "p2\t{name=Scone vegan=true}\n", out)
}

func TestEntityAdd_StoreAssignsID(t *testing.T) {
	db := tempDB(t)

	out, _, err := execute(t, "--db", db, "--format", "json", "entity", "add", "orders", "--set", "total=12")
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	data := resp.Data.(map[string]any)
	assert.Equal(t, "orders", data["kind"])
	assert.NotEmpty(t, data["id"])
	assert.NotContains(t, data["id"], "tmp-", "the temporary key must be replaced by the store id")
	assert.Equal(t, map[string]any{"total": float64(12)}, data["fields"])
}

func TestEntityAdd_DuplicateKey(t *testing.T) {
	db := tempDB(t)

	_, _, err := execute(t, "--db", db, "entity", "add", "products", "--id", "p1")
	require.NoError(t, err)

	out, _, err := execute(t, "--db", db, "--format", "json", "entity", "add", "products", "--id", "p1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Error.Message, "key already exists")
}

func TestEntityUpdate_UnknownKey(t *testing.T) {
	out, _, err := execute(t, "--db", tempDB(t), "entity", "update", "products", "nope", "--set", "price=1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "unknown key")
}

func TestEntityUpdate_NeedsFields(t *testing.T) {
	_, _, err := execute(t, "--db", tempDB(t), "entity", "update", "products", "p1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestEntityAdd_BadAssignment(t *testing.T) {
	_, _, err := execute(t, "--db", tempDB(t), "entity", "add", "products", "--set", "price")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "expected key=value")
}

func TestEntityRemove_UnknownKey(t *testing.T) {
	_, _, err := execute(t, "--db", tempDB(t), "entity", "remove", "products", "ghost")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestEntityList_JSON(t *testing.T) {
	db := tempDB(t)

	_, _, err := execute(t, "--db", db, "entity", "seed-user", "u1", "--role", "manager", "--set", "name=Bo")
	require.NoError(t, err)

	out, _, err := execute(t, "--db", db, "--format", "json", "entity", "list", "users")
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	items, ok := resp.Data.([]any)
	require.True(t, ok)
	require.Len(t, items, 1)
	assert.Equal(t, map[string]any{
		"kind":   "users",
		"id":     "u1",
		"fields": map[string]any{"name": "Bo", "role": "manager"},
	}, items[0])
}

func TestParseAssignments(t *testing.T) {
	fields, err := parseAssignments([]string{"name=Green Tea", "price=3", "weight=0.25", "vegan=false", "note=a=b", "code=007"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"name":   "Green Tea",
		"price":  int64(3),
		"weight": 0.25,
		"vegan":  false,
		"note":   "a=b",
		"code":   int64(7),
	}, fields)

	empty, err := parseAssignments(nil)
	require.NoError(t, err)
	assert.NotNil(t, empty)

	_, err = parseAssignments([]string{"=x"})
	assert.Error(t, err)
}

func TestFormatFields(t *testing.T) {
	assert.Equal(t, "{}", formatFields(nil))
	assert.Equal(t, "{a=1 b=x}", formatFields(map[string]any{"b": "x", "a": 1}))
}
