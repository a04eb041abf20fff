package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}

func TestSearchPathsOrderIsLeastToMostSpecific(t *testing.T) {
	paths := SearchPaths()
	require.Equal(t, "/etc/clustershell", paths[0])
}

func TestLoadDefaultsFallsBackWhenNoFilesPresent(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", "")
	d, err := LoadDefaults()
	require.NoError(t, err)
	require.Equal(t, DefaultDefaults(), d)
}

func TestLoadDefaultsLayersXDGOverHome(t *testing.T) {
	home := t.TempDir()
	xdg := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", xdg)

	writeFile(t, filepath.Join(home, ".local", "etc", "clustershell", "defaults.conf"),
		"[task.info]\nfanout = 8\n")
	writeFile(t, filepath.Join(xdg, "clustershell", "defaults.conf"),
		"[task.info]\nfanout = 16\n")

	d, err := LoadDefaults()
	require.NoError(t, err)
	require.Equal(t, 16, d.Info.Fanout)
}

func TestFileGroupResolverResolvesAndReverses(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", "")

	writeFile(t, filepath.Join(home, ".local", "etc", "clustershell", "groups.conf"),
		"[default]\ncompute = node[1-64]\n")

	r, err := LoadGroupResolver()
	require.NoError(t, err)

	pattern, err := r.Resolve("", "compute")
	require.NoError(t, err)
	require.Equal(t, "node[1-64]", pattern)

	src, name, ok := r.Reverse("node[1-64]")
	require.True(t, ok)
	require.Equal(t, "default", src)
	require.Equal(t, "compute", name)
}

func TestFileGroupResolverUnknownGroupIsError(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", "")

	r, err := LoadGroupResolver()
	require.NoError(t, err)
	_, err = r.Resolve("", "nope")
	require.Error(t, err)
}
