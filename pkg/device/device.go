package device

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// Devices holds the environment preconditions the recorder binds to: a
// provisioned virtual display, a virtual audio source and a writable output
// directory. The coordinator only binds to these, it never provisions them.
type Devices struct {
	Display     string
	AudioSource string
	OutputDir   string
}

var ErrNoDisplay = errors.New("no display configured")
var ErrNoAudioSource = errors.New("no audio source configured")
var ErrFFmpegNotFound = errors.New("ffmpeg not found in PATH")

// Check verifies the preconditions once, creating the output directory with
// webserver permissions when missing.
func (d Devices) Check() error {
	if d.Display == "" {
		return ErrNoDisplay
	}
	if d.AudioSource == "" {
		return ErrNoAudioSource
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return fmt.Errorf("%w: %v", ErrFFmpegNotFound, err)
	}

	stat, err := os.Stat(d.OutputDir)
	if os.IsNotExist(err) {
		return os.MkdirAll(d.OutputDir, 0755)
	}
	if err != nil {
		return err
	}
	if stat.Mode().Perm() != 0755 {
		return os.Chmod(d.OutputDir, 0755)
	}
	return nil
}
