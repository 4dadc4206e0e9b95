// Package espeak implements speech.Synthesizer with the espeak-ng command line engine.
package espeak

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"safeaudio/pkg/audio"
	"safeaudio/pkg/speech"
)

// Config holds engine settings.
type Config struct {
	Binary         string
	WordsPerMinute int
	Timeout        time.Duration // per synthesis run
}

type runner func(ctx context.Context, stdin string, name string, args ...string) ([]byte, error)

// Synthesizer renders speech to wav with espeak-ng and plays it through an audio sink.
type Synthesizer struct {
	cfg  Config
	sink audio.Sink
	run  runner
}

// New creates a synthesizer. Call Validate to check the binary is usable.
func New(cfg Config, sink audio.Sink) *Synthesizer {
	if cfg.Binary == "" {
		cfg.Binary = "espeak-ng"
	}
	if cfg.WordsPerMinute <= 0 {
		cfg.WordsPerMinute = 175
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if sink == nil {
		sink = audio.DefaultSink()
	}
	return &Synthesizer{cfg: cfg, sink: sink, run: runCommand}
}

// Validate checks the engine binary can be found and executed.
func (s *Synthesizer) Validate(ctx context.Context) error {
	path, err := exec.LookPath(s.cfg.Binary)
	if err != nil {
		return fmt.Errorf("%s not found in PATH: %w", s.cfg.Binary, err)
	}
	if _, err := s.run(ctx, "", path, "--version"); err != nil {
		return fmt.Errorf("cannot execute %s: %w", path, err)
	}
	return nil
}

// Voices lists the installed English voices.
func (s *Synthesizer) Voices(ctx context.Context) ([]speech.Voice, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	out, err := s.run(ctx, "", s.cfg.Binary, "--voices=en")
	if err != nil {
		return nil, err
	}
	return parseVoices(out), nil
}

// parseVoices reads the table printed by --voices:
//
//	Pty Language Age/Gender VoiceName File Other Languages
func parseVoices(out []byte) []speech.Voice {
	var voices []speech.Voice
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 || fields[0] == "Pty" {
			continue
		}
		lang, name, file := fields[1], fields[3], fields[4]
		voices = append(voices, speech.Voice{
			ID:          lang,
			Name:        strings.ReplaceAll(name, "_", " "),
			Lang:        lang,
			HighQuality: strings.HasPrefix(file, "mb/"),
		})
	}
	return voices
}

// Speak synthesizes u and starts playing it.
func (s *Synthesizer) Speak(ctx context.Context, u speech.Utterance) (speech.Playback, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	wav, err := s.run(ctx, u.Text, s.cfg.Binary, s.args(u)...)
	if err != nil {
		return nil, err
	}

	track, err := audio.NewTrack(s.sink, wav, audio.TrackOptions{Volume: u.Volume, Muted: u.Muted, Rate: 1})
	if err != nil {
		return nil, fmt.Errorf("decode espeak output: %w", err)
	}
	if err := track.Start(); err != nil {
		track.Stop()
		return nil, err
	}
	return track, nil
}

func (s *Synthesizer) args(u speech.Utterance) []string {
	rate := u.Rate
	if rate <= 0 {
		rate = 1
	}
	wpm := int(float64(s.cfg.WordsPerMinute) * rate)

	args := []string{"--stdout", "-s", strconv.Itoa(wpm)}
	if u.Voice.ID != "" {
		args = append(args, "-v", u.Voice.ID)
	}
	// Text arrives on stdin so it is never parsed as a flag.
	return append(args, "--stdin")
}

func runCommand(ctx context.Context, stdin string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = strings.NewReader(stdin)
	cmd.WaitDelay = 100 * time.Millisecond

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s timeout: %w", name, ctx.Err())
		}
		return nil, fmt.Errorf("%s failed: %w, stderr: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	slog.Debug("Speech: espeak run", "args", args, "bytes", stdout.Len(), "elapsed", time.Since(start).Round(time.Millisecond))
	return stdout.Bytes(), nil
}
