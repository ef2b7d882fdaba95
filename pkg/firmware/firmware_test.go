package firmware

import (
	"testing"

	"gotest.tools/assert"
)

func TestIdentityEqual(t *testing.T) {
	installed := Identity{Title: "env-sensor", Version: "1.0.0"}

	assert.Check(t, installed.Equal(Identity{Title: "env-sensor", Version: "1.0.0"}))
	assert.Check(t, !installed.Equal(Identity{Title: "env-sensor", Version: "2.0.0"}))
	assert.Check(t, !installed.Equal(Identity{Title: "gateway", Version: "1.0.0"}))
	// versions are labels, not ordered: a "downgrade" is still a difference
	assert.Check(t, !installed.Equal(Identity{Title: "env-sensor", Version: "0.9.0"}))
}

func TestIdentityProvisioned(t *testing.T) {
	assert.Check(t, !Identity{}.Provisioned())
	assert.Check(t, !Identity{Title: "env-sensor"}.Provisioned())
	assert.Check(t, !Identity{Version: "1.0.0"}.Provisioned())
	assert.Check(t, Identity{Title: "env-sensor", Version: "1.0.0"}.Provisioned())
}

func TestIdentityString(t *testing.T) {
	assert.Equal(t, Identity{Title: "env-sensor", Version: "1.0.0"}.String(), "env-sensor@1.0.0")
	assert.Equal(t, Identity{}.String(), "(unassigned)")
}
