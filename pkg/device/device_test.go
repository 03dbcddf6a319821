package device

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckFailsWithoutDisplay(t *testing.T) {
	d := Devices{AudioSource: "default", OutputDir: t.TempDir()}
	require.ErrorIs(t, d.Check(), ErrNoDisplay)
}

func TestCheckFailsWithoutAudioSource(t *testing.T) {
	d := Devices{Display: ":99", OutputDir: t.TempDir()}
	require.ErrorIs(t, d.Check(), ErrNoAudioSource)
}

func TestCheckCreatesOutputDir(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	dir := filepath.Join(t.TempDir(), "recordings")
	d := Devices{Display: ":99", AudioSource: "default", OutputDir: dir}
	require.NoError(t, d.Check())

	stat, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, stat.IsDir())
	require.Equal(t, os.FileMode(0755), stat.Mode().Perm())
}

func TestCheckFixesOutputDirPermissions(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	dir := filepath.Join(t.TempDir(), "recordings")
	require.NoError(t, os.MkdirAll(dir, 0700))

	d := Devices{Display: ":99", AudioSource: "default", OutputDir: dir}
	require.NoError(t, d.Check())

	stat, err := os.Stat(dir)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0755), stat.Mode().Perm())
}
