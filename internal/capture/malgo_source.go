package capture

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"sync"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-studio/internal/audio"
	"github.com/gen2brain/malgo"
)

// DeviceInfo describes one capture device.
type DeviceInfo struct {
	Index     int
	Name      string
	IsDefault bool
}

// String renders the device for listings.
func (d DeviceInfo) String() string {
	marker := ""
	if d.IsDefault {
		marker = " [default]"
	}

	return fmt.Sprintf("%d: %s%s", d.Index, d.Name, marker)
}

// MalgoSource captures signed 16-bit PCM through miniaudio and delivers it
// as audio/L16 fragments.
type MalgoSource struct {
	log *logger.Logger

	probeOnce sync.Once
	supported bool
}

// NewMalgoSource creates a source backed by the platform's default audio
// backend.
func NewMalgoSource(log *logger.Logger) *MalgoSource {
	return &MalgoSource{log: log}
}

// Supported reports whether an audio context can be initialised.
func (s *MalgoSource) Supported() bool {
	s.probeOnce.Do(func() {
		malgoCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
		if err != nil {
			s.log.Warn("Audio backend unavailable: %v", err)

			return
		}

		_ = malgoCtx.Uninit()
		malgoCtx.Free()

		s.supported = true
	})

	return s.supported
}

// IsTypeSupported reports whether the source can emit mimeType. Only raw
// L16 is produced.
func (s *MalgoSource) IsTypeSupported(mimeType string) bool {
	mediaType, _, err := mime.ParseMediaType(mimeType)

	return err == nil && mediaType == audio.MIMETypeL16
}

// ListDevices enumerates capture devices.
func (s *MalgoSource) ListDevices() ([]DeviceInfo, error) {
	malgoCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotSupported, err)
	}

	defer func() {
		_ = malgoCtx.Uninit()
		malgoCtx.Free()
	}()

	infos, err := malgoCtx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}

	devices := make([]DeviceInfo, 0, len(infos))
	for index, info := range infos {
		devices = append(devices, DeviceInfo{
			Index:     index,
			Name:      info.Name(),
			IsDefault: info.IsDefault > 0,
		})
	}

	return devices, nil
}

// Open initialises the default capture device with the given constraints.
// A device that rejects an explicit format yields ErrOverconstrained.
func (s *MalgoSource) Open(ctx context.Context, constraints Constraints) (Stream, error) {
	err := ctx.Err()
	if err != nil {
		return nil, err
	}

	malgoCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotSupported, err)
	}

	release := func() {
		_ = malgoCtx.Uninit()
		malgoCtx.Free()
	}

	infos, err := malgoCtx.Devices(malgo.Capture)
	if err != nil {
		release()

		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}

	if len(infos) == 0 {
		release()

		return nil, ErrDeviceNotFound
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16

	if constraints.SampleRate > 0 {
		deviceConfig.SampleRate = uint32(constraints.SampleRate)
	}

	if constraints.Channels > 0 {
		deviceConfig.Capture.Channels = uint32(constraints.Channels)
	}

	stream := &malgoStream{release: release}

	callbacks := malgo.DeviceCallbacks{
		Data: stream.onData,
	}

	device, err := malgo.InitDevice(malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		release()

		return nil, classifyMalgoError(err, constraints)
	}

	stream.device = device
	stream.sampleRate = int(device.SampleRate())
	stream.channels = int(device.CaptureChannels())

	s.log.Info(
		"Opened capture device at %d Hz, %d channel(s); raw capture, processing hints ignored "+
			"(echo cancellation %t, noise suppression %t, auto gain %t)",
		stream.sampleRate,
		stream.channels,
		constraints.EchoCancellation,
		constraints.NoiseSuppression,
		constraints.AutoGainControl,
	)

	return stream, nil
}

func classifyMalgoError(err error, constraints Constraints) error {
	switch {
	case errors.Is(err, malgo.ErrAccessDenied):
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	case errors.Is(err, malgo.ErrNoDevice), errors.Is(err, malgo.ErrDoesNotExist):
		return fmt.Errorf("%w: %w", ErrDeviceNotFound, err)
	case !constraints.IsDefault():
		return fmt.Errorf("%w: %w", ErrOverconstrained, err)
	default:
		return fmt.Errorf("failed to initialize capture device: %w", err)
	}
}

// malgoStream adapts a miniaudio capture device to Stream.
type malgoStream struct {
	device     *malgo.Device
	release    func()
	sampleRate int
	channels   int

	mu         sync.Mutex
	onFragment func([]byte)
	released   bool
}

func (m *malgoStream) MIMEType() string {
	return audio.L16MIMEType(m.sampleRate, m.channels)
}

func (m *malgoStream) Start(mimeType string, onFragment func([]byte)) error {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil || mediaType != audio.MIMETypeL16 {
		return fmt.Errorf("unsupported capture type %q", mimeType)
	}

	m.mu.Lock()
	m.onFragment = onFragment
	m.mu.Unlock()

	err = m.device.Start()
	if err != nil {
		return fmt.Errorf("failed to start device: %w", err)
	}

	return nil
}

// Stop halts the device. miniaudio delivers no callbacks once Stop returns.
func (m *malgoStream) Stop() error {
	err := m.device.Stop()

	m.mu.Lock()
	m.onFragment = nil
	m.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to stop device: %w", err)
	}

	return nil
}

func (m *malgoStream) Release() {
	m.mu.Lock()

	if m.released {
		m.mu.Unlock()

		return
	}

	m.released = true
	m.onFragment = nil
	m.mu.Unlock()

	// Uninit waits for the device thread, so the lock must not be held.
	m.device.Uninit()
	m.release()
}

// onData converts the little-endian device samples to network byte order.
func (m *malgoStream) onData(_, input []byte, _ uint32) {
	m.mu.Lock()
	onFragment := m.onFragment
	m.mu.Unlock()

	if onFragment == nil || len(input) == 0 {
		return
	}

	fragment := make([]byte, len(input)-len(input)%2)
	for i := 0; i+1 < len(input); i += 2 {
		fragment[i] = input[i+1]
		fragment[i+1] = input[i]
	}

	onFragment(fragment)
}
