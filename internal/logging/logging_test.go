package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesDatedFile(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, "debug")
	require.NoError(t, err)

	l.Component("test").Infof("hello %s", "world")
	l.Close()

	data, err := os.ReadFile(filepath.Join(dir, time.Now().Format("2006-01-02")+".log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello world")
	assert.Contains(t, string(data), "component=test")
}

func TestNew_RejectsBadLevel(t *testing.T) {
	_, err := New(t.TempDir(), "loud")
	assert.Error(t, err)
}

func TestNewNop_CloseIsSafe(t *testing.T) {
	l := NewNop()
	l.Errorf("dropped")
	l.Close()
}
