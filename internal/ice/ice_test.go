package ice

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiscoveryNoNAT(t *testing.T) {
	var d Discovery
	d.Start()
	action := d.Responded("1.2.3.4:1000", true)
	assert.Equal(t, ActionSendChangeRequest{ChangeIP: true, ChangePort: true}, action)

	d.Responded("1.2.3.4:1000", true)
	class, done := d.Done()
	assert.True(t, done)
	assert.Equal(t, NoNAT, class)
}

func TestDiscoverySymmetric(t *testing.T) {
	var d Discovery
	d.Start()
	d.Responded("1.2.3.4:1000", true)
	d.TimedOut() // full-cone probe times out
	d.Responded("1.2.3.4:2000", false)
	class, done := d.Done()
	assert.True(t, done)
	assert.Equal(t, Symmetric, class)
}

func TestDiscoveryServerUnreachable(t *testing.T) {
	var d Discovery
	d.Start()
	d.TimedOut()
	class, done := d.Done()
	assert.True(t, done)
	assert.Equal(t, ServerUnreachable, class)
}

func TestResolveRoleConflictLowerSwitches(t *testing.T) {
	conflict, switchRole := ResolveRoleConflict(10, true, 20, true)
	assert.True(t, conflict)
	assert.True(t, switchRole)
}

func TestResolveRoleConflictHigherRejects(t *testing.T) {
	conflict, switchRole := ResolveRoleConflict(30, true, 20, true)
	assert.True(t, conflict)
	assert.False(t, switchRole)
}

func TestResolveRoleConflictCompatible(t *testing.T) {
	conflict, _ := ResolveRoleConflict(10, true, 20, false)
	assert.False(t, conflict)
}
