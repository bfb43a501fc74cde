package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitGlobalLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	InitGlobalLogger(false, &buf)

	Info("connected", "status", "connected", "attempt", 2)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "info", line["level"])
	require.Equal(t, "connected", line["message"])
	require.Equal(t, "connected", line["status"])
	require.EqualValues(t, 2, line["attempt"])
}

func TestOddFieldsAreDropped(t *testing.T) {
	var buf bytes.Buffer
	InitGlobalLogger(false, &buf)

	Error(errors.New("boom"), "send failed", "only-key")

	require.Contains(t, buf.String(), "odd number of fields")
	require.Contains(t, buf.String(), "send failed")
	require.NotContains(t, buf.String(), `"only-key"`+":")
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	InitGlobalLogger(false, &buf)

	require.NoError(t, SetLevel("warn"))
	Info("hidden")
	Debug("hidden too")
	require.Empty(t, buf.String())
	Warn("login rejected", "username", "alice")
	require.Contains(t, buf.String(), `"username":"alice"`)

	require.Error(t, SetLevel("loud"))
}
