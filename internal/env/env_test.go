package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeLayersOverrideInOrder(t *testing.T) {
	e := NewWithBase(Var{"PATH": "/bin", "HOME": "/root", "LEVEL": "os"})
	e.Set("LEVEL", "file")

	out := e.Merge(map[string]string{"LEVEL": "app", "PYTHONUNBUFFERED": "1"}, map[string]string{"WARDEN_NOTIFY_SOCKET": "/tmp/n.sock"})

	m := Parse(out)
	assert.Equal(t, "/bin", m["PATH"])
	assert.Equal(t, "app", m["LEVEL"])
	assert.Equal(t, "1", m["PYTHONUNBUFFERED"])
	assert.Equal(t, "/tmp/n.sock", m["WARDEN_NOTIFY_SOCKET"])
	require.IsIncreasing(t, out)
}

func TestMergeExpandsReferences(t *testing.T) {
	e := NewWithBase(Var{"HOME": "/home/app"})
	out := Parse(e.Merge(map[string]string{
		"CACHE":   "${HOME}/.cache",
		"RAW":     "$HOME",
		"MISSING": "${NOPE}",
		"TWICE":   "${HOME}:${HOME}",
		"OPEN":    "x${HOME",
	}))

	assert.Equal(t, "/home/app/.cache", out["CACHE"])
	assert.Equal(t, "$HOME", out["RAW"])
	assert.Equal(t, "${NOPE}", out["MISSING"])
	assert.Equal(t, "/home/app:/home/app", out["TWICE"])
	assert.Equal(t, "x${HOME", out["OPEN"])
}

func TestExpansionIsSinglePass(t *testing.T) {
	e := NewWithBase(nil)
	out := Parse(e.Merge(map[string]string{"A": "${B}", "B": "${A}"}))
	assert.Equal(t, "${A}", out["A"])
	assert.Equal(t, "${B}", out["B"])
}

func TestEmptyKeysDropped(t *testing.T) {
	e := NewWithBase(nil)
	e.Set("B", "2")
	out := Parse(e.Merge(map[string]string{"": "dropped"}))

	assert.NotContains(t, out, "")
	assert.Equal(t, Var{"B": "2"}, out)
}

func TestNewInheritsOSEnvironment(t *testing.T) {
	t.Setenv("WARDEN_ENV_TEST", "inherited")
	out := Parse(New().Merge())
	assert.Equal(t, "inherited", out["WARDEN_ENV_TEST"])
}

func TestParseSkipsMalformed(t *testing.T) {
	m := Parse([]string{"A=1", "=2", "noequals", "B=x=y"})
	assert.Equal(t, Var{"A": "1", "B": "x=y"}, m)
}
