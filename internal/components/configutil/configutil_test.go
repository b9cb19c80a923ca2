package configutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
	Inner struct {
		Flag string `json:"flag"`
	} `json:"inner"`
}

func TestLocalPath(t *testing.T) {
	require.Equal(t, filepath.Join("conf", "extract.local.json5"), LocalPath("conf/extract.json5"))
	require.Equal(t, "extract.local", LocalPath("extract"))
}

func TestReadConfigMergesLocal(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "extract.json5")

	require.NoError(t, os.WriteFile(name, []byte(`{
		// comments and trailing commas are fine
		name: "base",
		count: 1,
		inner: { flag: "a" },
	}`), 0600))
	require.NoError(t, os.WriteFile(LocalPath(name), []byte(`{ count: 5 }`), 0600))

	cfg, err := ReadConfig[testConfig](name)
	require.NoError(t, err)
	require.Equal(t, "base", cfg.Name)
	require.Equal(t, 5, cfg.Count)
	require.Equal(t, "a", cfg.Inner.Flag)
}

func TestReadConfigMissing(t *testing.T) {
	_, err := ReadConfig[testConfig](filepath.Join(t.TempDir(), "nope.json5"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestReadConfigInvalid(t *testing.T) {
	name := filepath.Join(t.TempDir(), "bad.json5")
	require.NoError(t, os.WriteFile(name, []byte(`{ name: `), 0600))
	_, err := ReadConfig[testConfig](name)
	require.Error(t, err)
}
