// SPDX-License-Identifier: MIT
package router

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"

	wav "github.com/go-audio/wav"

	applog "soundcore/internal/log"
)

var ErrUnsupportedFormat = errors.New("unsupported audio format")

// PCMSource plays interleaved float32 PCM held fully in memory.
// Decoding happens at load time on the control thread, so Read is a
// plain copy with no I/O on the audio thread.
type PCMSource struct {
	id         string
	data       []float32
	sampleRate int
	channels   int
	loop       bool

	pos   int // samples; audio thread only
	state atomic.Int32
}

// NewPCMSource wraps already-decoded samples as a source.
func NewPCMSource(id string, data []float32, sampleRate, channels int) *PCMSource {
	return &PCMSource{
		id:         id,
		data:       data,
		sampleRate: sampleRate,
		channels:   channels,
	}
}

func (s *PCMSource) ID() string          { return s.id }
func (s *PCMSource) SampleRate() int     { return s.sampleRate }
func (s *PCMSource) Channels() int       { return s.channels }
func (s *PCMSource) State() SourceState  { return SourceState(s.state.Load()) }
func (s *PCMSource) SetLoop(loop bool)   { s.loop = loop }
func (s *PCMSource) TotalFrames() int    { return len(s.data) / s.channels }
func (s *PCMSource) PositionFrames() int { return s.pos / s.channels }

// Play starts or resumes playback. Finished is terminal; restarting a
// finished source requires Rewind first.
func (s *PCMSource) Play() error {
	if s.State() == SourceFinished {
		return fmt.Errorf("source %q already finished", s.id)
	}
	s.state.Store(int32(SourcePlaying))
	return nil
}

func (s *PCMSource) Pause() {
	s.state.CompareAndSwap(int32(SourcePlaying), int32(SourcePaused))
}

func (s *PCMSource) Stop() {
	if s.State() != SourceFinished {
		s.state.Store(int32(SourceStopped))
	}
}

// Rewind resets the play position and clears a terminal state. Control
// thread only, and only while the source is not routed or not playing.
func (s *PCMSource) Rewind() {
	s.pos = 0
	s.state.Store(int32(SourceIdle))
}

func (s *PCMSource) Read(out []float32) int {
	n := copy(out, s.data[s.pos:])
	s.pos += n

	if s.pos >= len(s.data) {
		if s.loop && len(s.data) > 0 {
			s.pos = 0
			// Fill the remainder of the block from the start.
			for n < len(out) {
				m := copy(out[n:], s.data[s.pos:])
				n += m
				s.pos += m
				if s.pos >= len(s.data) {
					s.pos = 0
				}
			}
		} else {
			s.state.Store(int32(SourceFinished))
		}
	}
	return n
}

// SignalGeneratorSource produces an endless sine tone. Used by the
// play command's test-tone mode and throughout the tests as a
// deterministic source.
type SignalGeneratorSource struct {
	id        string
	freq      float64
	amplitude float32
	channels  int
	rate      float64

	phase float64 // audio thread only
	state atomic.Int32
}

func NewSignalGeneratorSource(id string, freq float64, amplitude float32, sampleRate float64, channels int) *SignalGeneratorSource {
	return &SignalGeneratorSource{
		id:        id,
		freq:      freq,
		amplitude: amplitude,
		channels:  channels,
		rate:      sampleRate,
	}
}

func (s *SignalGeneratorSource) ID() string         { return s.id }
func (s *SignalGeneratorSource) State() SourceState { return SourceState(s.state.Load()) }

func (s *SignalGeneratorSource) Play() error {
	s.state.Store(int32(SourcePlaying))
	return nil
}

func (s *SignalGeneratorSource) Pause() {
	s.state.CompareAndSwap(int32(SourcePlaying), int32(SourcePaused))
}

func (s *SignalGeneratorSource) Stop() {
	s.state.Store(int32(SourceStopped))
}

func (s *SignalGeneratorSource) Read(out []float32) int {
	step := 2 * math.Pi * s.freq / s.rate
	for i := 0; i < len(out); i += s.channels {
		v := s.amplitude * float32(math.Sin(s.phase))
		for ch := 0; ch < s.channels && i+ch < len(out); ch++ {
			out[i+ch] = v
		}
		s.phase += step
		if s.phase >= 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}
	return len(out)
}

// NewFileSource loads an audio file into a PCMSource, dispatching on
// extension. Supported: .wav, .mp3, .ogg.
func NewFileSource(id, path string) (*PCMSource, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return NewWAVSource(id, path)
	case ".mp3":
		return NewMP3Source(id, path)
	case ".ogg":
		return NewOggSource(id, path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// NewWAVSource decodes a WAV file fully into memory.
func NewWAVSource(id, path string) (*PCMSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if buf.Format == nil || buf.Format.NumChannels == 0 {
		return nil, fmt.Errorf("%w: %s has no format chunk", ErrUnsupportedFormat, path)
	}

	bitDepth := buf.SourceBitDepth
	if bitDepth == 0 {
		bitDepth = 16
	}
	scale := float32(1) / float32(int64(1)<<(bitDepth-1))

	data := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		data[i] = float32(v) * scale
	}

	applog.Infof("Router: loaded %s (%d Hz, %d ch, %d frames)",
		path, buf.Format.SampleRate, buf.Format.NumChannels, len(data)/buf.Format.NumChannels)
	return NewPCMSource(id, data, buf.Format.SampleRate, buf.Format.NumChannels), nil
}

// NewMP3Source decodes an MP3 file fully into memory. go-mp3 always
// emits 16-bit stereo.
func NewMP3Source(id, path string) (*PCMSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	dec, err := mp3.NewDecoder(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	const channels = 2
	data := make([]float32, len(raw)/2)
	for i := range data {
		v := int16(uint16(raw[2*i]) | uint16(raw[2*i+1])<<8)
		data[i] = float32(v) / 32768
	}

	applog.Infof("Router: loaded %s (%d Hz, %d ch, %d frames)",
		path, dec.SampleRate(), channels, len(data)/channels)
	return NewPCMSource(id, data, dec.SampleRate(), channels), nil
}

// NewOggSource decodes an Ogg Vorbis file fully into memory.
func NewOggSource(id, path string) (*PCMSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	data, format, err := oggvorbis.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	applog.Infof("Router: loaded %s (%d Hz, %d ch, %d frames)",
		path, format.SampleRate, format.Channels, len(data)/format.Channels)
	return NewPCMSource(id, data, format.SampleRate, format.Channels), nil
}
