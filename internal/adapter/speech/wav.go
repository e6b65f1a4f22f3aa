package speech

import (
	"encoding/binary"

	"voxhall/internal/domain"
)

// wavWrap prefixes raw PCM16 with a RIFF/WAVE header so batch transcription
// endpoints can identify the sample layout. Audio that already carries a
// container passes through unchanged.
func wavWrap(in *domain.Audio) []byte {
	if in.Format.Codec != domain.CodecPCM16 {
		return in.Data
	}

	sampleRate := in.Format.SampleRate
	if sampleRate == 0 {
		sampleRate = 16000
	}
	channels := in.Format.Channels
	if channels == 0 {
		channels = 1
	}

	dataLen := len(in.Data)
	byteRate := sampleRate * channels * 2
	blockAlign := channels * 2

	out := make([]byte, 44+dataLen)
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], uint32(36+dataLen))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:], 16) // PCM chunk size
	binary.LittleEndian.PutUint16(out[20:], 1)  // PCM format
	binary.LittleEndian.PutUint16(out[22:], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:], 16) // bits per sample
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:], uint32(dataLen))
	copy(out[44:], in.Data)
	return out
}
