package domain

// Codec names used at the audio boundaries.
const (
	CodecOpus  = "opus"
	CodecMP3   = "mp3"
	CodecPCM16 = "pcm16"
)

// RoomFormat is the codec the media server expects from producers.
func RoomFormat() AudioFormat {
	return AudioFormat{Codec: CodecOpus, SampleRate: 48000, Channels: 1}
}

// CaptureFormat is the PCM layout fed to speech-to-text.
func CaptureFormat() AudioFormat {
	return AudioFormat{Codec: CodecPCM16, SampleRate: 16000, Channels: 1}
}

// SynthFormat is the typical text-to-speech output format.
func SynthFormat() AudioFormat {
	return AudioFormat{Codec: CodecMP3, SampleRate: 24000, Channels: 1}
}
