package log_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/rohioffl/cloudscan/internal/log"
	"github.com/stretchr/testify/require"
)

func TestContextAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(false, &buf).With("component", "test")

	ctx := log.ContextAttrs(t.Context(), slog.String("job_id", "j1"))
	ctx2 := log.ContextAttrs(ctx, slog.String("provider", "GCP"))

	logger.InfoContext(ctx2, "started")
	logger.DebugContext(ctx2, "hidden")
	logger.InfoContext(ctx, "parent")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var first, second map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.NoError(t, json.Unmarshal(lines[1], &second))

	require.Equal(t, "started", first["msg"])
	require.Equal(t, "test", first["component"])
	require.Equal(t, "j1", first["job_id"])
	require.Equal(t, "GCP", first["provider"])

	require.Equal(t, "j1", second["job_id"])
	require.NotContains(t, second, "provider")
}

func TestVerbose(t *testing.T) {
	var buf bytes.Buffer
	log.New(true, &buf).Debug("visible", log.Redacted("secret"))
	require.Contains(t, buf.String(), `"secret":"<redacted>"`)
}
