package consumer

import (
	"context"
	"testing"

	"aeroledger-engine/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type capturedReadings struct {
	readings []domain.SensorReading
}

func (c *capturedReadings) HandleReading(ctx context.Context, reading domain.SensorReading) error {
	c.readings = append(c.readings, reading)
	return nil
}

func TestDeviceIDFromTopic(t *testing.T) {
	deviceID, err := deviceIDFromTopic("aeroledger/device-001/reading")
	require.NoError(t, err)
	assert.Equal(t, "device-001", deviceID)

	_, err = deviceIDFromTopic("aeroledger//reading")
	assert.Error(t, err)

	_, err = deviceIDFromTopic("other/device-001/reading")
	assert.Error(t, err)
}

func TestHandleMessage_FillsDeviceIDFromTopic(t *testing.T) {
	captured := &capturedReadings{}
	c := NewReadingConsumer(nil, captured, zap.NewNop())

	payload := []byte(`{"seq":7,"timestamp":"2026-01-15T10:00:00Z","pm25":12.5,"co2":450,"co":1.2,"voc":30}`)
	err := c.handleMessage("aeroledger/device-001/reading", payload)
	require.NoError(t, err)

	require.Len(t, captured.readings, 1)
	assert.Equal(t, "device-001", captured.readings[0].DeviceID)
	assert.Equal(t, uint64(7), captured.readings[0].Seq)
}

func TestHandleMessage_RejectsDeviceIDMismatch(t *testing.T) {
	captured := &capturedReadings{}
	c := NewReadingConsumer(nil, captured, zap.NewNop())

	payload := []byte(`{"device_id":"device-002","seq":1,"pm25":12.5}`)
	err := c.handleMessage("aeroledger/device-001/reading", payload)
	assert.Error(t, err)
	assert.Empty(t, captured.readings)
}

func TestHandleMessage_RejectsMalformedPayload(t *testing.T) {
	captured := &capturedReadings{}
	c := NewReadingConsumer(nil, captured, zap.NewNop())

	err := c.handleMessage("aeroledger/device-001/reading", []byte("not-json"))
	assert.Error(t, err)
	assert.Empty(t, captured.readings)
}
