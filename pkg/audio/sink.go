// Package audio decodes and plays exam audio clips through gopxl/beep.
package audio

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/speaker"
)

// OutputSampleRate is the fixed rate the speaker is initialized at; tracks are resampled to it.
const OutputSampleRate = beep.SampleRate(48000)

// Sink mixes streamers into an output device. Lock/Unlock guard streamer state the
// device goroutine reads.
type Sink interface {
	SampleRate() beep.SampleRate
	Play(s beep.Streamer) error
	Lock()
	Unlock()
}

type speakerSink struct {
	mu          sync.Mutex
	initialized bool
}

var defaultSink = &speakerSink{}

// DefaultSink returns the process-wide speaker. The device is opened on first Play.
func DefaultSink() Sink {
	return defaultSink
}

func (s *speakerSink) SampleRate() beep.SampleRate {
	return OutputSampleRate
}

func (s *speakerSink) Play(st beep.Streamer) error {
	s.mu.Lock()
	if !s.initialized {
		if err := speaker.Init(OutputSampleRate, OutputSampleRate.N(time.Second/10)); err != nil {
			s.mu.Unlock()
			slog.Error("Failed to initialize speaker", "error", err)
			return err
		}
		s.initialized = true
	}
	s.mu.Unlock()

	speaker.Play(st)
	return nil
}

func (s *speakerSink) Lock()   { speaker.Lock() }
func (s *speakerSink) Unlock() { speaker.Unlock() }
