// Package audio holds the PCM sample buffer used between capture and
// encoding, the 16-bit WAV codec, the fragment decoder and the metadata-only
// duration probe.
package audio

import (
	"errors"
	"fmt"
	"time"
)

// Limits for buffer validation.
const (
	MaxSampleRate = 192000
	MaxChannels   = 8
)

const (
	errFmtSampleRateRange = "%w: sample rate must be between 1 and %d Hz"
	errFmtChannelsRange   = "%w: channels must be between 1 and %d"
	errFmtChannelLength   = "%w: channel %d has %d frames, expected %d"
)

// ErrInvalidBuffer is returned for buffers that cannot be encoded.
var ErrInvalidBuffer = errors.New("invalid pcm buffer")

// PCMBuffer is planar float audio: one slice per channel, samples nominally
// in [-1, 1].
type PCMBuffer struct {
	SampleRate int
	Channels   [][]float32
}

// NumChannels returns the channel count.
func (b PCMBuffer) NumChannels() int {
	return len(b.Channels)
}

// Frames returns the number of samples per channel.
func (b PCMBuffer) Frames() int {
	if len(b.Channels) == 0 {
		return 0
	}

	return len(b.Channels[0])
}

// Duration returns the playback length of the buffer.
func (b PCMBuffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}

	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// Validate checks that the buffer can be written as WAV.
func (b PCMBuffer) Validate() error {
	err := validateSampleRate(b.SampleRate)
	if err != nil {
		return err
	}

	err = validateChannels(len(b.Channels))
	if err != nil {
		return err
	}

	frames := b.Frames()
	for index, channel := range b.Channels {
		if len(channel) != frames {
			return fmt.Errorf(errFmtChannelLength, ErrInvalidBuffer, index, len(channel), frames)
		}
	}

	return nil
}

func validateSampleRate(sampleRate int) error {
	if sampleRate <= 0 || sampleRate > MaxSampleRate {
		return fmt.Errorf(errFmtSampleRateRange, ErrInvalidBuffer, MaxSampleRate)
	}

	return nil
}

func validateChannels(channels int) error {
	if channels <= 0 || channels > MaxChannels {
		return fmt.Errorf(errFmtChannelsRange, ErrInvalidBuffer, MaxChannels)
	}

	return nil
}
