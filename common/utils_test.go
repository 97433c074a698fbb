package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDirAndExists(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "a", "b")
	require.NoError(t, EnsureDir(dir))
	assert.True(t, DirExists(dir))
	assert.False(t, FileExists(dir))

	file := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	assert.True(t, FileExists(file))
	assert.False(t, DirExists(file))
}

func TestSafeJoinRelative(t *testing.T) {
	p, err := SafeJoin("/share/workflows", "t1/audio")
	require.NoError(t, err)
	assert.Equal(t, "/share/workflows/t1/audio", p)
}

func TestSafeJoinAbsoluteInsideRoot(t *testing.T) {
	p, err := SafeJoin("/share/workflows", "/share/workflows/t1")
	require.NoError(t, err)
	assert.Equal(t, "/share/workflows/t1", p)
}

func TestSafeJoinRejectsTraversal(t *testing.T) {
	_, err := SafeJoin("/share/workflows", "../etc/passwd")
	assert.Error(t, err)

	_, err = SafeJoin("/share/workflows", "t1/../../etc")
	assert.Error(t, err)
}

func TestSafeJoinRejectsAbsoluteEscape(t *testing.T) {
	_, err := SafeJoin("/share/workflows", "/etc/passwd")
	assert.Error(t, err)
}

func TestSafeJoinRejectsEmpty(t *testing.T) {
	_, err := SafeJoin("/share/workflows", "")
	assert.Error(t, err)
}
