package capture_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-studio/internal/audio"
	"github.com/book-expert/tts-studio/internal/capture"
	"github.com/book-expert/tts-studio/internal/objectstore"
	"github.com/book-expert/tts-studio/internal/scheduler"
	"github.com/book-expert/tts-studio/internal/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testRate     = 8000
	testChannels = 1
)

type fakeStream struct {
	mu         sync.Mutex
	mimeType   string
	startedAs  string
	onFragment func([]byte)
	pending    [][]byte
	startErr   error
	stopErr    error
	releases   int
}

func (s *fakeStream) MIMEType() string { return s.mimeType }

func (s *fakeStream) Start(mimeType string, onFragment func([]byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.startErr != nil {
		return s.startErr
	}

	s.startedAs = mimeType
	s.onFragment = onFragment

	return nil
}

func (s *fakeStream) emit(fragment []byte) {
	s.mu.Lock()
	onFragment := s.onFragment
	s.mu.Unlock()

	onFragment(fragment)
}

// Stop flushes the buffered fragments, as a real encoder does.
func (s *fakeStream) Stop() error {
	s.mu.Lock()
	pending := s.pending
	onFragment := s.onFragment
	s.pending = nil
	s.mu.Unlock()

	for _, fragment := range pending {
		onFragment(fragment)
	}

	return s.stopErr
}

func (s *fakeStream) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.releases++
}

func (s *fakeStream) releaseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.releases
}

type fakeSource struct {
	supported bool
	openErrs  []error
	types     map[string]bool
	stream    *fakeStream
	requests  []capture.Constraints
}

func (f *fakeSource) Supported() bool { return f.supported }

func (f *fakeSource) IsTypeSupported(mimeType string) bool { return f.types[mimeType] }

func (f *fakeSource) Open(_ context.Context, constraints capture.Constraints) (capture.Stream, error) {
	f.requests = append(f.requests, constraints)

	if len(f.openErrs) > 0 {
		err := f.openErrs[0]
		f.openErrs = f.openErrs[1:]

		if err != nil {
			return nil, err
		}
	}

	return f.stream, nil
}

type failingDecoder struct{}

func (failingDecoder) Decode(context.Context, []byte, string) (audio.PCMBuffer, error) {
	return audio.PCMBuffer{}, audio.ErrUndecodable
}

// l16Silence returns seconds of big-endian mono silence with a little signal
// so the take is not all zeros.
func l16Silence(seconds float64) []byte {
	frames := int(testRate * seconds)
	data := make([]byte, frames*2)

	for i := 0; i < len(data); i += 4 {
		data[i] = 0x01
	}

	return data
}

type harness struct {
	source   *fakeSource
	stream   *fakeStream
	store    *objectstore.MemoryStore
	clock    *scheduler.Virtual
	recorder *capture.Recorder
	logPath  string
}

func newHarness(t *testing.T, decoder capture.AudioDecoder) *harness {
	t.Helper()

	logDir := t.TempDir()

	log, err := logger.New(logDir, "capture-test.log")
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	stream := &fakeStream{mimeType: audio.L16MIMEType(testRate, testChannels)}
	h := &harness{
		source:  &fakeSource{supported: true, stream: stream, types: map[string]bool{}},
		stream:  stream,
		store:   objectstore.NewMemoryStore(),
		clock:   scheduler.NewVirtual(time.Unix(0, 0)),
		logPath: filepath.Join(logDir, "capture-test.log"),
	}

	if decoder == nil {
		decoder = audio.NewPCMDecoder()
	}

	h.recorder = capture.NewRecorder(
		h.source,
		decoder,
		h.store,
		validation.NewGate(validation.Options{}),
		h.clock,
		log,
		capture.Options{},
	)

	return h
}

func TestRecorder_UnsupportedPlatform(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.source.supported = false

	err := h.recorder.StartRecording(context.Background())
	require.ErrorIs(t, err, capture.ErrNotSupported)

	state := h.recorder.State()
	assert.Equal(t, capture.MsgNotSupported, state.Error)
	assert.False(t, state.IsRecording)
	assert.Empty(t, h.source.requests)
}

func TestRecorder_RequestsPreferredConstraints(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	require.NoError(t, h.recorder.StartRecording(context.Background()))

	require.Len(t, h.source.requests, 1)
	assert.Equal(t, capture.PreferredConstraints(48000, 2), h.source.requests[0])
	assert.False(t, h.source.requests[0].EchoCancellation)
	assert.False(t, h.source.requests[0].NoiseSuppression)
	assert.False(t, h.source.requests[0].AutoGainControl)
	assert.True(t, h.recorder.State().IsRecording)
}

func TestRecorder_OverconstrainedFallsBack(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.source.openErrs = []error{capture.ErrOverconstrained, nil}

	require.NoError(t, h.recorder.StartRecording(context.Background()))

	require.Len(t, h.source.requests, 2)
	assert.Equal(t, capture.DefaultConstraints(), h.source.requests[1])

	state := h.recorder.State()
	assert.True(t, state.IsRecording)
	assert.Empty(t, state.Error)

	content, err := os.ReadFile(h.logPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "[WARN] Microphone cannot satisfy 48000 Hz/2 ch, retrying with default constraints")
}

func TestRecorder_OpenFailuresAreClassified(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		errs     []error
		want     string
		requests int
	}{
		{
			name:     "permission denied",
			errs:     []error{capture.ErrPermissionDenied},
			want:     capture.MsgPermissionDenied,
			requests: 1,
		},
		{
			name:     "no device",
			errs:     []error{capture.ErrDeviceNotFound},
			want:     capture.MsgNoMicrophone,
			requests: 1,
		},
		{
			name:     "other failure",
			errs:     []error{errors.New("backend crashed")},
			want:     capture.MsgStartFailed,
			requests: 1,
		},
		{
			name:     "fallback denied",
			errs:     []error{capture.ErrOverconstrained, capture.ErrPermissionDenied},
			want:     capture.MsgPermissionDenied,
			requests: 2,
		},
		{
			name:     "fallback overconstrained again",
			errs:     []error{capture.ErrOverconstrained, capture.ErrOverconstrained},
			want:     capture.MsgStartFailed,
			requests: 2,
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, nil)
			h.source.openErrs = testCase.errs

			err := h.recorder.StartRecording(context.Background())
			require.Error(t, err)

			state := h.recorder.State()
			assert.Equal(t, testCase.want, state.Error)
			assert.False(t, state.IsRecording)
			assert.Len(t, h.source.requests, testCase.requests)
			assert.Zero(t, h.clock.Pending())
		})
	}
}

func TestRecorder_StartFailureReleasesStream(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.stream.startErr = errors.New("encoder refused")

	require.Error(t, h.recorder.StartRecording(context.Background()))
	assert.Equal(t, capture.MsgStartFailed, h.recorder.State().Error)
	assert.Equal(t, 1, h.stream.releaseCount())
	assert.Zero(t, h.clock.Pending())
}

func TestRecorder_CodecPreference(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		types map[string]bool
		want  string
	}{
		{
			name:  "opus first",
			types: map[string]bool{"audio/webm;codecs=opus": true, "audio/mp4": true},
			want:  "audio/webm;codecs=opus",
		},
		{name: "mp4 second", types: map[string]bool{"audio/mp4": true}, want: "audio/mp4"},
		{name: "native type", types: map[string]bool{}, want: audio.L16MIMEType(testRate, testChannels)},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, nil)
			h.source.types = testCase.types

			require.NoError(t, h.recorder.StartRecording(context.Background()))
			assert.Equal(t, testCase.want, h.stream.startedAs)
		})
	}
}

func TestRecorder_DurationCounter(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	require.NoError(t, h.recorder.StartRecording(context.Background()))

	h.clock.Advance(1250 * time.Millisecond)
	assert.InDelta(t, 1.2, h.recorder.State().Duration, 1e-9)
}

func TestRecorder_StopProducesValidatedWAV(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.recorder.StartRecording(ctx))

	h.stream.emit(l16Silence(2))
	h.stream.emit(nil)
	h.stream.pending = [][]byte{l16Silence(2)}
	h.clock.Advance(4 * time.Second)

	require.NoError(t, h.recorder.StopRecording(ctx))

	state := h.recorder.State()
	assert.False(t, state.IsRecording)
	assert.Empty(t, state.Error)
	require.NotNil(t, state.Blob)
	assert.Equal(t, "audio/wav", state.Blob.MIMEType)
	assert.InDelta(t, 4.0, state.Blob.DurationSeconds, 0.001)
	assert.Equal(t, 1, h.stream.releaseCount())
	assert.Zero(t, h.clock.Pending())

	file, err := h.recorder.File(ctx)
	require.NoError(t, err)
	assert.Equal(t, state.Blob.Size, file.Size())

	decoded, err := audio.DecodeWAV(file.Data)
	require.NoError(t, err)
	assert.Equal(t, testRate, decoded.SampleRate)
	assert.Equal(t, 4*testRate, decoded.Frames())
}

func TestRecorder_StopRejectsShortTake(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.recorder.StartRecording(ctx))
	h.stream.emit(l16Silence(2.9))

	err := h.recorder.StopRecording(ctx)
	require.ErrorIs(t, err, capture.ErrRejected)

	state := h.recorder.State()
	assert.False(t, state.IsRecording)
	assert.Nil(t, state.Blob)
	assert.Equal(t, validation.MsgAudioTooShort, state.Error)
	assert.Empty(t, h.store.Keys())
	assert.Equal(t, 1, h.stream.releaseCount())
}

func TestRecorder_ConversionFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, failingDecoder{})
	ctx := context.Background()

	require.NoError(t, h.recorder.StartRecording(ctx))
	h.stream.emit([]byte{1, 2, 3, 4})

	err := h.recorder.StopRecording(ctx)
	require.ErrorIs(t, err, capture.ErrRejected)

	state := h.recorder.State()
	assert.False(t, state.IsRecording)
	assert.Nil(t, state.Blob)
	assert.Equal(t, capture.MsgConversionFailed, state.Error)
	assert.Equal(t, 1, h.stream.releaseCount())
	assert.Zero(t, h.clock.Pending())
}

func TestRecorder_StopIsAtomic(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	var (
		mu     sync.Mutex
		states []capture.State
	)

	// Rebuild with an observer so every published state is captured.
	log, err := logger.New(t.TempDir(), "atomic.log")
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	recorder := capture.NewRecorder(
		h.source,
		audio.NewPCMDecoder(),
		h.store,
		validation.NewGate(validation.Options{}),
		h.clock,
		log,
		capture.Options{OnChange: func(state capture.State) {
			mu.Lock()
			defer mu.Unlock()

			states = append(states, state)
		}},
	)

	require.NoError(t, recorder.StartRecording(ctx))
	h.stream.emit(l16Silence(3.5))
	require.NoError(t, recorder.StopRecording(ctx))

	mu.Lock()
	defer mu.Unlock()

	for _, state := range states {
		if !state.IsRecording {
			continue
		}

		assert.Nil(t, state.Blob)
	}

	last := states[len(states)-1]
	assert.False(t, last.IsRecording)
	assert.NotNil(t, last.Blob)
}

func TestRecorder_StopWhenIdle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	require.ErrorIs(t, h.recorder.StopRecording(context.Background()), capture.ErrNotRecording)
}

func TestRecorder_StartReleasesPreviousTake(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.recorder.StartRecording(ctx))
	h.stream.emit(l16Silence(3))
	require.NoError(t, h.recorder.StopRecording(ctx))
	require.Len(t, h.store.Keys(), 1)

	require.NoError(t, h.recorder.StartRecording(ctx))

	assert.Empty(t, h.store.Keys())
	assert.Nil(t, h.recorder.State().Blob)
	assert.ErrorIs(t, h.recorder.StartRecording(ctx), capture.ErrAlreadyRecording)
}

func TestRecorder_ClearAndClose(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.recorder.StartRecording(ctx))
	h.stream.emit(l16Silence(3))
	h.clock.Advance(3 * time.Second)
	require.NoError(t, h.recorder.StopRecording(ctx))

	h.recorder.ClearRecording(ctx)

	state := h.recorder.State()
	assert.Nil(t, state.Blob)
	assert.Zero(t, state.Duration)
	assert.Empty(t, state.Error)
	assert.Empty(t, h.store.Keys())

	_, err := h.recorder.File(ctx)
	require.ErrorIs(t, err, capture.ErrNoRecording)

	require.NoError(t, h.recorder.StartRecording(ctx))
	h.recorder.Close(ctx)

	assert.Zero(t, h.clock.Pending())
	assert.Equal(t, 2, h.stream.releaseCount())
	assert.False(t, h.recorder.State().IsRecording)
}

func TestRecorder_StopOutcomeIsDeliveredLast(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	tickDelivering := make(chan struct{})
	releaseTick := make(chan struct{})

	var (
		mu        sync.Mutex
		delivered []capture.State
		blocked   bool
	)

	log, err := logger.New(t.TempDir(), "ordering.log")
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	recorder := capture.NewRecorder(
		h.source,
		audio.NewPCMDecoder(),
		h.store,
		validation.NewGate(validation.Options{}),
		h.clock,
		log,
		capture.Options{OnChange: func(state capture.State) {
			mu.Lock()
			delivered = append(delivered, state)
			shouldBlock := !blocked && state.IsRecording && state.Duration > 0
			if shouldBlock {
				blocked = true
			}
			mu.Unlock()

			if shouldBlock {
				close(tickDelivering)
				<-releaseTick
			}
		}},
	)

	require.NoError(t, recorder.StartRecording(ctx))
	h.stream.emit(l16Silence(3.5))

	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()

		h.clock.Advance(capture.DefaultCounterInterval)
	}()

	<-tickDelivering

	go func() {
		defer wg.Done()

		assert.NoError(t, recorder.StopRecording(ctx))
	}()

	require.Eventually(t, func() bool {
		return recorder.State().Blob != nil
	}, time.Second, time.Millisecond)

	close(releaseTick)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()

	last := delivered[len(delivered)-1]
	assert.False(t, last.IsRecording)
	assert.NotNil(t, last.Blob)
}
