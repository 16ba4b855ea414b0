package mqtt

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledClient(t *testing.T) {
	connected := false
	c, err := New(Config{}, "node-1", nil, Handlers{OnConnect: func() { connected = true }}, zerolog.Nop())
	require.NoError(t, err)

	assert.False(t, c.IsEnabled())
	assert.False(t, c.IsConnected())
	require.NoError(t, c.Connect())
	assert.True(t, connected, "disabled client reports a connection")
	assert.NoError(t, c.Subscribe("rfid/control"))
	assert.NoError(t, c.Publish("rfid/read", []byte("{}"), false))
	c.Disconnect()
}

func TestMissingCACert(t *testing.T) {
	_, err := New(Config{Host: "broker", CACert: filepath.Join(t.TempDir(), "ca.pem")}, "node-1", nil, Handlers{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestPahoLogger(t *testing.T) {
	var buf bytes.Buffer
	l := pahoLogger{log: zerolog.New(&buf), level: zerolog.WarnLevel}
	l.Printf("retrying in %d", 5)
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), "retrying in 5")
}
