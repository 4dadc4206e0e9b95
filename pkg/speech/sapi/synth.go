// Package sapi implements speech.Synthesizer with Windows SAPI5 via OLE.
// On other platforms every call fails and the engine should not be selected.
package sapi

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"
	"github.com/google/uuid"

	"safeaudio/pkg/audio"
	"safeaudio/pkg/speech"
)

// lcidLangs maps the SAPI token Language attribute (hex LCID) to a language tag.
var lcidLangs = map[uint64]string{
	0x0409: "en-US",
	0x0809: "en-GB",
	0x0c09: "en-AU",
	0x1009: "en-CA",
	0x1409: "en-NZ",
	0x1809: "en-IE",
	0x4009: "en-IN",
}

// Synthesizer renders speech to a temporary wav through SAPI5 and plays it through an audio sink.
type Synthesizer struct {
	mu     sync.Mutex
	sink   audio.Sink
	tmpDir string
}

// New creates a SAPI synthesizer writing intermediates into tmpDir (os.TempDir when empty).
func New(sink audio.Sink, tmpDir string) *Synthesizer {
	if sink == nil {
		sink = audio.DefaultSink()
	}
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}
	return &Synthesizer{sink: sink, tmpDir: tmpDir}
}

// Speak synthesizes u to wav and starts playing it.
func (s *Synthesizer) Speak(ctx context.Context, u speech.Utterance) (speech.Playback, error) {
	path := filepath.Join(s.tmpDir, "safeaudio-"+uuid.NewString()+".wav")
	defer os.Remove(path)

	if err := s.synthesize(u, path); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read SAPI output: %w", err)
	}
	track, err := audio.NewTrack(s.sink, data, audio.TrackOptions{Volume: u.Volume, Muted: u.Muted, Rate: 1})
	if err != nil {
		return nil, fmt.Errorf("decode SAPI output: %w", err)
	}
	if err := track.Start(); err != nil {
		track.Stop()
		return nil, err
	}
	return track, nil
}

func (s *Synthesizer) synthesize(u speech.Utterance, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ole.CoInitialize(0); err == nil {
		defer ole.CoUninitialize()
	}

	unknown, err := oleutil.CreateObject("SAPI.SpVoice")
	if err != nil {
		return fmt.Errorf("failed to create SAPI.SpVoice: %w", err)
	}
	voice, err := unknown.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		unknown.Release()
		return fmt.Errorf("QueryInterface SpVoice failed: %w", err)
	}
	defer voice.Release()

	if u.Voice.ID != "" {
		s.setVoiceByID(voice, u.Voice.ID)
	}
	if _, err := oleutil.PutProperty(voice, "Rate", sapiRate(u.Rate)); err != nil {
		slog.Debug("SAPI: could not set rate", "error", err)
	}

	unknownStream, err := oleutil.CreateObject("SAPI.SpFileStream")
	if err != nil {
		return fmt.Errorf("failed to create SAPI.SpFileStream: %w", err)
	}
	stream, err := unknownStream.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		unknownStream.Release()
		return fmt.Errorf("QueryInterface SpFileStream failed: %w", err)
	}
	defer stream.Release()

	// 3 = SSFMCreateForWrite
	if _, err := oleutil.CallMethod(stream, "Open", path, 3, false); err != nil {
		return fmt.Errorf("stream Open failed: %w", err)
	}
	defer func() {
		_, _ = oleutil.CallMethod(stream, "Close")
	}()

	if _, err := oleutil.PutPropertyRef(voice, "AudioOutputStream", stream); err != nil {
		return fmt.Errorf("failed to set AudioOutputStream: %w", err)
	}

	if _, err := oleutil.CallMethod(voice, "Speak", u.Text, 0); err != nil {
		return fmt.Errorf("Speak failed: %w", err)
	}
	slog.Debug("SAPI: synthesized", "voice", u.Voice.Name, "chars", len(u.Text))
	return nil
}

// sapiRate maps a 0.5..2 multiplier onto SAPI's -10..10 scale (±10 is roughly 3x).
func sapiRate(rate float64) int {
	if rate <= 0 {
		return 0
	}
	r := int(math.Round(math.Log(rate) / math.Log(3) * 10))
	if r < -10 {
		return -10
	}
	if r > 10 {
		return 10
	}
	return r
}

// Voices lists installed SAPI voices.
func (s *Synthesizer) Voices(ctx context.Context) ([]speech.Voice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ole.CoInitialize(0); err == nil {
		defer ole.CoUninitialize()
	}

	unknown, err := oleutil.CreateObject("SAPI.SpVoice")
	if err != nil {
		return nil, err
	}
	voice, err := unknown.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		unknown.Release()
		return nil, err
	}
	defer voice.Release()

	// GetVoices returns ISpeechObjectTokens.
	tokensVar, err := oleutil.CallMethod(voice, "GetVoices")
	if err != nil {
		tokensVar, err = oleutil.GetProperty(voice, "Voices")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get voices collection: %w", err)
	}
	tokens := tokensVar.ToIDispatch()
	if tokens == nil {
		return nil, fmt.Errorf("voices collection is nil")
	}
	defer tokens.Release()

	countVar, err := oleutil.GetProperty(tokens, "Count")
	if err != nil {
		return nil, fmt.Errorf("GetVoices Count failed: %w", err)
	}
	count := getVariantInt(countVar)

	var voices []speech.Voice
	_ = oleutil.ForEach(tokens, func(v *ole.VARIANT) error {
		item := v.ToIDispatch()
		if item == nil {
			return nil
		}
		defer item.Release()
		if voice, ok := extractVoice(item); ok {
			voices = append(voices, voice)
		}
		return nil
	})

	if len(voices) == 0 {
		voices = fallbackManualEnum(tokens, count)
	}
	return voices, nil
}

func getVariantInt(v *ole.VARIANT) int {
	val := v.Value()
	if val == nil {
		return int(v.Val)
	}
	switch it := val.(type) {
	case int32:
		return int(it)
	case int64:
		return int(it)
	case int:
		return it
	case uint32:
		return int(it)
	default:
		return int(v.Val)
	}
}

func extractVoice(item *ole.IDispatch) (speech.Voice, bool) {
	idVar, idErr := oleutil.CallMethod(item, "GetId")
	descVar, descErr := oleutil.CallMethod(item, "GetDescription", int32(0))
	if idErr != nil || descErr != nil || idVar == nil || descVar == nil {
		return speech.Voice{}, false
	}

	v := speech.Voice{ID: idVar.ToString(), Name: descVar.ToString()}
	if langVar, err := oleutil.CallMethod(item, "GetAttribute", "Language"); err == nil && langVar != nil {
		v.Lang = langFromLCID(langVar.ToString())
	}
	// OneCore and neural voices live outside the classic token category.
	v.HighQuality = strings.Contains(strings.ToLower(v.ID), "onecore") || strings.Contains(strings.ToLower(v.Name), "natural")
	return v, true
}

// langFromLCID converts an attribute like "809" or "409;9" into a language tag.
func langFromLCID(attr string) string {
	first, _, _ := strings.Cut(attr, ";")
	lcid, err := strconv.ParseUint(strings.TrimSpace(first), 16, 32)
	if err != nil {
		return ""
	}
	if lang, ok := lcidLangs[lcid]; ok {
		return lang
	}
	// Primary language 0x09 is English
	if lcid&0x3ff == 0x09 {
		return "en"
	}
	return ""
}

func fallbackManualEnum(tokens *ole.IDispatch, count int) []speech.Voice {
	var voices []speech.Voice
	for i := 0; i < count; i++ {
		itemVar, err := oleutil.GetProperty(tokens, "Item", i)
		if err != nil {
			itemVar, err = oleutil.CallMethod(tokens, "Item", i)
		}
		if err != nil {
			continue
		}
		item := itemVar.ToIDispatch()
		if item == nil {
			continue
		}
		if v, ok := extractVoice(item); ok {
			voices = append(voices, v)
		}
		item.Release()
	}
	return voices
}

func (s *Synthesizer) setVoiceByID(voice *ole.IDispatch, voiceID string) {
	tokensVar, err := oleutil.CallMethod(voice, "GetVoices", "", "")
	if err != nil {
		return
	}
	tokens := tokensVar.ToIDispatch()
	if tokens == nil {
		return
	}
	defer tokens.Release()

	_ = oleutil.ForEach(tokens, func(v *ole.VARIANT) error {
		item := v.ToIDispatch()
		if item == nil {
			return nil
		}
		defer item.Release()
		idVar, _ := oleutil.CallMethod(item, "GetId")
		if idVar != nil && idVar.ToString() == voiceID {
			_, _ = oleutil.PutPropertyRef(voice, "Voice", item)
		}
		return nil
	})
}
