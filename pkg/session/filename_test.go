package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMediaFilenameDeterministic(t *testing.T) {
	ts := time.Date(2024, 3, 14, 15, 9, 26, 0, time.UTC)
	name, err := MediaFilename("MS_abc123", ts)
	require.NoError(t, err)
	require.Equal(t, "MS_abc123_2024-03-14_15-09-26.mp4", name)
}

func TestMediaFilenameFailsEmptyID(t *testing.T) {
	_, err := MediaFilename("", time.Now())
	require.ErrorIs(t, err, ErrEmptySessionID)
}

func TestMediaFilenameFailsIDWithExtension(t *testing.T) {
	_, err := MediaFilename("MS_abc.mp4", time.Now())
	require.ErrorIs(t, err, ErrExtensionInSessionID)
}
