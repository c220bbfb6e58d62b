package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLogLevel(t *testing.T) {
	defer Log.SetLevel(logrus.InfoLevel)

	SetLogLevel("debug")
	assert.Equal(t, logrus.DebugLevel, Log.GetLevel())

	// an unknown level keeps the current one
	SetLogLevel("chatty")
	assert.Equal(t, logrus.DebugLevel, Log.GetLevel())
}

func TestSetLogFile(t *testing.T) {
	defer SetLogFile("", 0, 0)

	filename := filepath.Join(t.TempDir(), "starnet.log")
	SetLogFile(filename, 1, 1)
	TopoLog.Info("written to the rotated file")

	contents, err := os.ReadFile(filename)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "category=Topo")
	assert.Contains(t, string(contents), "app=starnet")
}
