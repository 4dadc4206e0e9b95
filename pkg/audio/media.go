package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/wav"
)

// ErrEmpty is returned for zero-length payloads.
var ErrEmpty = errors.New("empty audio payload")

// Decode opens an in-memory mp3 or wav payload.
func Decode(data []byte) (beep.StreamSeekCloser, beep.Format, error) {
	if len(data) == 0 {
		return nil, beep.Format{}, ErrEmpty
	}

	// Try MP3 first
	streamer, format, err := mp3.Decode(io.NopCloser(bytes.NewReader(data)))
	if err == nil {
		return streamer, format, nil
	}

	// Fresh reader for WAV; the mp3 attempt consumed the first one
	streamer, format, wavErr := wav.Decode(bytes.NewReader(data))
	if wavErr != nil {
		return nil, beep.Format{}, fmt.Errorf("unsupported audio format (mp3: %v, wav: %w)", err, wavErr)
	}
	return streamer, format, nil
}

// ClipDuration returns the playing time of an in-memory payload.
func ClipDuration(data []byte) (time.Duration, error) {
	streamer, format, err := Decode(data)
	if err != nil {
		return 0, err
	}
	defer streamer.Close()

	return format.SampleRate.D(streamer.Len()), nil
}
