// Package audio implements the per-binding media pipelines: egress converts
// synthesized speech to the room codec and chunks it for the media client;
// ingress converts consumed room audio to PCM, runs voice-activity detection,
// and buckets it for transcription.
package audio

import (
	"time"

	"voxhall/internal/domain"
)

// Codec names, re-exported for pipeline callers.
const (
	CodecOpus  = domain.CodecOpus
	CodecMP3   = domain.CodecMP3
	CodecPCM16 = domain.CodecPCM16
)

// RoomFormat is the codec the media server expects from producers.
func RoomFormat() domain.AudioFormat { return domain.RoomFormat() }

// CaptureFormat is the PCM layout fed to speech-to-text.
func CaptureFormat() domain.AudioFormat { return domain.CaptureFormat() }

// SynthFormat is the typical text-to-speech output format.
func SynthFormat() domain.AudioFormat { return domain.SynthFormat() }

// bytesPerSecond returns the raw byte rate for a PCM16 format, or an
// estimated encoded rate for compressed codecs.
func bytesPerSecond(f domain.AudioFormat) int {
	switch f.Codec {
	case CodecPCM16:
		return f.SampleRate * f.Channels * 2
	case CodecOpus:
		return 8000 // ~64 kbps
	case CodecMP3:
		return 16000 // ~128 kbps
	default:
		return 16000
	}
}

// EstimateDuration approximates the playback time of n bytes in format f.
func EstimateDuration(f domain.AudioFormat, n int) time.Duration {
	return time.Duration(float64(time.Second) * float64(n) / float64(bytesPerSecond(f)))
}
