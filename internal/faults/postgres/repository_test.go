package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/uplinkd/internal/faults"
	"github.com/Sh00ty/uplinkd/internal/models"
	"github.com/Sh00ty/uplinkd/internal/sender"
)

var (
	_ faults.Store = (*Repository)(nil)
	_ sender.Sink  = (*Repository)(nil)
)

func TestSchemaIsEmbedded(t *testing.T) {
	assert.Contains(t, Schema, "create table if not exists "+faultsTable)
	assert.Contains(t, Schema, "create table if not exists "+eventsTable)
}

func TestOpenFaultUpserts(t *testing.T) {
	opened := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sql, args, err := openFaultQuery(faults.Fault{
		Interface: "wlan0",
		Reason:    "hostapd did not come up",
		Failures:  10,
		OpenedAt:  opened,
	}).ToSql()
	require.NoError(t, err)

	assert.Equal(t,
		"INSERT INTO uplink_faults (interface,reason,failures,opened_at) VALUES ($1,$2,$3,$4) "+
			"on conflict (interface) do update set reason = excluded.reason, failures = excluded.failures, opened_at = excluded.opened_at",
		sql)
	assert.Equal(t, []any{"wlan0", "hostapd did not come up", 10, opened}, args)
}

func TestClearFaultFiltersByInterface(t *testing.T) {
	sql, args, err := clearFaultQuery("wlan0").ToSql()
	require.NoError(t, err)

	assert.Equal(t, "DELETE FROM uplink_faults WHERE interface = $1", sql)
	assert.Equal(t, []any{"wlan0"}, args)
}

func TestListOpenIsOrdered(t *testing.T) {
	sql, args, err := listOpenQuery().ToSql()
	require.NoError(t, err)

	assert.Equal(t, "SELECT interface, reason, failures, opened_at FROM uplink_faults ORDER BY interface", sql)
	assert.Empty(t, args)
}

func TestInsertEventSkipsStored(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fields := []byte(`{"from":"eth0"}`)
	sql, args, err := insertEventQuery(models.Event{
		ID:        "ev-1",
		Type:      models.EventRouteSwitched,
		Severity:  models.SeverityInfo,
		Interface: "wlan1",
		Message:   "switched to wlan1",
		Time:      at,
	}, fields).ToSql()
	require.NoError(t, err)

	assert.Equal(t,
		"INSERT INTO uplink_events (id,type,severity,interface,message,fields,created_at) "+
			"VALUES ($1,$2,$3,$4,$5,$6,$7) on conflict (id) do nothing",
		sql)
	assert.Equal(t, []any{"ev-1", "route-switched", "info", "wlan1", "switched to wlan1", fields, at}, args)
}
