// Package fileutil holds the small file and formatting helpers the studio
// binaries share: where synthesized audio is written and how durations and
// sizes are printed.
package fileutil

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

const (
	outputDirPermissions = 0o750
	outputPrefix         = "tts_job_"
	defaultAudioExt      = ".wav"
	sizeUnit             = 1024
)

// audioExtensions are the containers the backend returns and the studio
// accepts as reference audio.
var audioExtensions = map[string]bool{
	".wav":  true,
	".mp3":  true,
	".ogg":  true,
	".webm": true,
}

var sizeSuffixes = []string{"KiB", "MiB", "GiB"}

// EnsureDir creates dir and any missing parents.
func EnsureDir(dir string) error {
	err := os.MkdirAll(dir, outputDirPermissions)
	if err != nil {
		return fmt.Errorf("failed to create output directory %s: %w", dir, err)
	}

	return nil
}

// FormatDuration prints sub-minute durations with tenths ("3.4s") and longer
// ones as a clock ("2:05").
func FormatDuration(seconds float64) string {
	if seconds < time.Minute.Seconds() {
		return fmt.Sprintf("%.1fs", seconds)
	}

	whole := time.Duration(seconds * float64(time.Second)).Round(time.Second)
	minutes := int(whole / time.Minute)
	rest := int((whole % time.Minute) / time.Second)

	return fmt.Sprintf("%d:%02d", minutes, rest)
}

// FormatFileSize prints size in binary units.
func FormatFileSize(size int64) string {
	if size < sizeUnit {
		return fmt.Sprintf("%d B", size)
	}

	value := float64(size) / sizeUnit

	for _, suffix := range sizeSuffixes[:len(sizeSuffixes)-1] {
		if value < sizeUnit {
			return fmt.Sprintf("%.1f %s", value, suffix)
		}

		value /= sizeUnit
	}

	return fmt.Sprintf("%.1f %s", value, sizeSuffixes[len(sizeSuffixes)-1])
}

// IsValidAudioFile reports whether filename carries an audio extension the
// studio handles.
func IsValidAudioFile(filename string) bool {
	return audioExtensions[strings.ToLower(filepath.Ext(filename))]
}

// SanitizeFilename replaces path separators, reserved characters and control
// characters with underscores.
func SanitizeFilename(filename string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || strings.ContainsRune(`<>:"/\|?*`, r) {
			return '_'
		}

		return r
	}, filename)
}

// OutputPath returns where the audio of jobID is written. An explicit path
// wins; otherwise the file goes to dir, named after the job and carrying the
// extension of the audio reference (".wav" when it has none).
func OutputPath(explicit, dir string, jobID int64, audioRef string) string {
	if explicit != "" {
		return explicit
	}

	refPath, _, _ := strings.Cut(audioRef, "?")
	refPath, _, _ = strings.Cut(refPath, "#")

	ext := strings.ToLower(path.Ext(refPath))
	if !audioExtensions[ext] {
		ext = defaultAudioExt
	}

	if dir == "" {
		dir = "."
	}

	return filepath.Join(dir, SanitizeFilename(fmt.Sprintf("%s%d%s", outputPrefix, jobID, ext)))
}
