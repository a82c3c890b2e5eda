package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerEmitsRenamedKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, Config{Service: " eboagentd ", Env: "test", Level: slog.LevelDebug})
	logger.Debug("tick", slog.Uint64("block", 7))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "DEBUG", line["severity"])
	require.Equal(t, "tick", line["message"])
	require.Equal(t, "eboagentd", line["service"])
	require.Equal(t, "test", line["env"])
	require.Contains(t, line, "timestamp")
	require.EqualValues(t, 7, line["block"])
}

func TestMaskField(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("signer_key_source", "file:/etc/key").Value.String())
	require.Equal(t, "0xabc", MaskField("request_id", "0xabc").Value.String())
	require.Equal(t, "", MaskField("signer_key", "").Value.String())
	require.False(t, IsAllowlisted("signer_key"))
	require.IsIncreasing(t, RedactionAllowlist())
}
