package telemetry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	before := time.Now().UnixMilli()
	msg, err := NewMessage(TypeAggregate, "", struct {
		Reporting int     `json:"reporting"`
		PVPowerW  float64 `json:"pvPowerW"`
	}{2, 1500})
	require.NoError(t, err)

	assert.Equal(t, TypeAggregate, msg.Type)
	assert.GreaterOrEqual(t, msg.TS, before)
	assert.Equal(t, 2.0, msg.Data["reporting"])
	assert.Equal(t, 1500.0, msg.Data["pvPowerW"])

	msg, err = NewMessage(TypeHeartbeat, "W1", nil)
	require.NoError(t, err)
	assert.Nil(t, msg.Data)
	assert.Equal(t, "W1", msg.InverterID)

	_, err = NewMessage(TypeTelemetry, "W1", []int{1, 2})
	assert.ErrorContains(t, err, "not an object")

	_, err = NewMessage(TypeTelemetry, "W1", map[string]any{"bad": make(chan int)})
	assert.ErrorContains(t, err, "failed to encode")
}

func TestMessage_UnmarshalAcceptsAnyJSON(t *testing.T) {
	var msg Message
	require.NoError(t, json.Unmarshal([]byte(`{"type":"telemetry","ts":1700000000000.5,"inverterId":"W1","data":{"pv":2}}`), &msg))
	assert.Equal(t, TypeTelemetry, msg.Type)
	assert.Equal(t, int64(1700000000000), msg.TS)
	assert.Equal(t, 2.0, msg.Data["pv"])

	msg = Message{}
	require.NoError(t, json.Unmarshal([]byte(`{"type":"aggregate","ts":3,"data":[1,2]}`), &msg))
	assert.Equal(t, TypeAggregate, msg.Type)
	assert.Nil(t, msg.Data)
	assert.JSONEq(t, `{"type":"aggregate","ts":3,"data":[1,2]}`, string(msg.Raw))

	msg = Message{}
	require.NoError(t, json.Unmarshal([]byte(`[1,2,3]`), &msg))
	assert.Empty(t, msg.Type)
	assert.Equal(t, `[1,2,3]`, string(msg.Raw))

	assert.Error(t, json.Unmarshal([]byte(`not json`), &msg))
}
