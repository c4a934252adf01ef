package log_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/vigil-xy/vigil/internal/log"

	"github.com/stretchr/testify/require"
)

func TestContextAttrs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := log.NewWriter(&buf, false)

	ctx := log.ContextAttrs(t.Context(), slog.String("scan", "abc"))
	netCtx := log.WithDomain(ctx, "network")
	_ = log.WithDomain(ctx, "process")

	logger.DebugContext(netCtx, "hidden")
	logger.With("k", "v").InfoContext(netCtx, "listening", "port", 22)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "listening", rec["msg"])
	require.Equal(t, "abc", rec["scan"])
	require.Equal(t, "network", rec["domain"])
	require.Equal(t, "v", rec["k"])
	require.EqualValues(t, 22, rec["port"])
}

func TestVerbose(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log.NewWriter(&buf, true).Debug("shown")
	require.Contains(t, buf.String(), `"msg":"shown"`)
}
