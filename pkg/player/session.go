package player

import (
	"errors"
	"fmt"
	"time"

	"safeaudio/pkg/speech"
)

var (
	// ErrUnavailable is the terminal error when no source could be played and there is no fallback text.
	ErrUnavailable = errors.New("audio unavailable")
	// ErrSynthesisUnsupported is the terminal error when fallback text exists but nothing can speak it.
	ErrSynthesisUnsupported = errors.New("speech synthesis unsupported")
)

// State is the engine's playback state.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StatePlaying
	StatePaused
	StateEnded
	StateFallback
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateEnded:
		return "ended"
	case StateFallback:
		return "fallback"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SpeechPhase mirrors playing/paused/ended while in StateFallback.
type SpeechPhase int

const (
	SpeechIdle SpeechPhase = iota
	SpeechStarting
	SpeechSpeaking
	SpeechPaused
	SpeechEnded
)

func (p SpeechPhase) String() string {
	switch p {
	case SpeechIdle:
		return "idle"
	case SpeechStarting:
		return "starting"
	case SpeechSpeaking:
		return "speaking"
	case SpeechPaused:
		return "paused"
	case SpeechEnded:
		return "ended"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Source is what the caller wants played.
type Source struct {
	RemoteURL       string
	PreloadedHandle string
	FallbackText    string
	Accent          speech.Accent
	AutoPlay        bool
}

// Session is a point-in-time view of the engine.
type Session struct {
	State         State
	Speech        SpeechPhase // meaningful in StateFallback
	UsingFallback bool
	Position      time.Duration
	Duration      time.Duration
	Volume        float64
	Muted         bool
	Rate          float64
	Source        Source
	Err           error // set in StateError
}

// Callbacks are invoked on the engine goroutine. They may call engine controls but must not
// call Close or block.
type Callbacks struct {
	OnEnded        func()
	OnError        func(reason string)
	OnFallbackUsed func()
	OnStateChange  func(Session)
}
