package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("WARNING"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel(" error "))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("nonsense"))
}

func TestParseFormat(t *testing.T) {
	assert.Equal(t, FormatJSON, ParseFormat("json", FormatConsole))
	assert.Equal(t, FormatConsole, ParseFormat("", FormatConsole))
	assert.Equal(t, FormatJSON, ParseFormat("pretty", FormatJSON))
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("INFO", FormatJSON, &buf)

	log.Named(ComponentStorage).Info("opened", zap.String("dir", "/tmp/x"))
	log.Debug("hidden")
	require.NoError(t, log.Sync())

	out := buf.String()
	assert.Contains(t, out, `"component":"storage"`)
	assert.Contains(t, out, `"dir":"/tmp/x"`)
	assert.NotContains(t, out, "hidden")
}

func TestBadgerLogger(t *testing.T) {
	var buf bytes.Buffer
	bl := NewBadgerLogger(NewWithWriter("DEBUG", FormatJSON, &buf))

	bl.Warningf("value log %d truncated\n", 3)
	bl.Infof("compaction done")

	out := buf.String()
	assert.Contains(t, out, "value log 3 truncated")
	assert.Contains(t, out, `"component":"badger"`)
	assert.NotContains(t, out, `truncated\n`)
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
}
