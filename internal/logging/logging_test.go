package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestText(t *testing.T) {
	buf := &bytes.Buffer{}
	log, err := New("warn", "text", buf)
	require.NoError(t, err)

	log.Info("hidden")
	log.Warn("shown", "id", 1)
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "msg=shown id=1")
}

func TestJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	log, err := New("DEBUG", "json", buf)
	require.NoError(t, err)

	log.Debug("frame", "size", 3)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry))
	require.Equal(t, "DEBUG", entry["level"])
	require.Equal(t, "frame", entry["msg"])
	require.Equal(t, float64(3), entry["size"])
}

func TestInvalid(t *testing.T) {
	_, err := New("loud", "text", &bytes.Buffer{})
	require.Error(t, err)

	_, err = New("info", "xml", &bytes.Buffer{})
	require.Error(t, err)
}
