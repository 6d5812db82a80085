package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserFromEntity(t *testing.T) {
	u, err := UserFromEntity(Entity{
		Kind: KindUser,
		ID:   "u1",
		Fields: map[string]any{
			"id":    "u1",
			"role":  "cashier",
			"name":  "Ana",
			"store": 7,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "u1", u.ID)
	assert.Equal(t, "cashier", u.Role)
	assert.Equal(t, map[string]string{"name": "Ana", "store": "7"}, u.Profile)
	assert.Equal(t, []string{"name", "store"}, u.ProfileKeys())
}

func TestUserFromEntity_MissingID(t *testing.T) {
	_, err := UserFromEntity(Entity{Kind: KindUser})
	assert.Error(t, err)
}

func TestEntity_CloneIsIndependent(t *testing.T) {
	e := Entity{Kind: "products", ID: "p1", Fields: map[string]any{"name": "Tea"}}
	c := e.Clone()
	c.Fields["name"] = "Coffee"

	assert.Equal(t, "Tea", e.Fields["name"])
	assert.Equal(t, "Coffee", c.Fields["name"])
}
