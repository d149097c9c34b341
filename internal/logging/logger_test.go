package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&Config{Level: LevelWarn, Output: &buf, Component: "aio"})

	l.Debug("should not appear")
	l.Info("also should not appear")
	require.Empty(t, buf.String())

	l.Warn("heads up", "tag", 3)
	require.Contains(t, buf.String(), "[aio] [WARN] heads up tag=3")
}

func TestLoggerDefaultIsLazy(t *testing.T) {
	SetDefault(nil)
	l := Default()
	require.NotNil(t, l)
	require.Same(t, l, Default())
}

func TestPrintfAliasesInfo(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&Config{Level: LevelInfo, Output: &buf})
	l.Printf("queue %d ready", 7)
	require.Contains(t, buf.String(), "[INFO] queue 7 ready")
}
