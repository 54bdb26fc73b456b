package notifyer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/uplinkd/internal/models"
)

func TestNotifyAssignsIDsAndNeverBlocks(t *testing.T) {
	n := NewNotifier(2)

	n.Notify(models.Event{Type: models.EventRouteSwitched, Interface: "eth0"})
	n.Notify(models.Event{ID: "fixed", Type: models.EventRoleChanged})
	n.Notify(models.Event{Type: models.EventRouteLost})
	assert.Equal(t, uint64(1), n.Dropped())

	first := <-n.GetEventChan()
	assert.Len(t, first.ID, 36)
	assert.Equal(t, "eth0", first.Interface)
	second := <-n.GetEventChan()
	assert.Equal(t, "fixed", second.ID)

	n.Close()
	n.Close()
	n.Notify(models.Event{Type: models.EventRouteLost})
	_, ok := <-n.GetEventChan()
	require.False(t, ok)
}
