package audio

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"voxhall/internal/domain"
)

// Transcoder converts audio between the formats crossing the pipeline
// boundaries.
type Transcoder interface {
	Convert(ctx context.Context, src, dst domain.AudioFormat, data []byte) ([]byte, error)
}

// FFmpegTranscoder shells out to ffmpeg for codec conversion. One short-lived
// process per conversion; egress converts whole utterances, and ingress
// converts each consumed chunk as it arrives, before bucketing.
type FFmpegTranscoder struct {
	Path string // ffmpeg binary, e.g. "ffmpeg"
}

// NewFFmpegTranscoder creates a transcoder using the given ffmpeg binary path.
func NewFFmpegTranscoder(path string) *FFmpegTranscoder {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegTranscoder{Path: path}
}

// Convert runs ffmpeg over data. Identical src and dst formats pass through
// untouched.
func (t *FFmpegTranscoder) Convert(ctx context.Context, src, dst domain.AudioFormat, data []byte) ([]byte, error) {
	if src == dst {
		return data, nil
	}

	args, err := ffmpegArgs(src, dst)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, t.Path, args...)
	cmd.Stdin = bytes.NewReader(data)

	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, domain.WrapOp("transcode", domain.ErrCancelled)
		}
		return nil, fmt.Errorf("transcode %s->%s: %w: %s", src.Codec, dst.Codec, err, lastLine(stderr.Bytes()))
	}
	return out.Bytes(), nil
}

func ffmpegArgs(src, dst domain.AudioFormat) ([]string, error) {
	in, err := containerFor(src)
	if err != nil {
		return nil, err
	}
	out, err := containerFor(dst)
	if err != nil {
		return nil, err
	}

	args := []string{"-hide_banner", "-loglevel", "error", "-f", in}
	if src.Codec == CodecPCM16 {
		args = append(args, "-ar", fmt.Sprint(src.SampleRate), "-ac", fmt.Sprint(src.Channels))
	}
	args = append(args, "-i", "pipe:0")

	if dst.Codec == CodecOpus {
		args = append(args, "-c:a", "libopus", "-b:a", "64k")
	}
	args = append(args,
		"-ar", fmt.Sprint(dst.SampleRate),
		"-ac", fmt.Sprint(dst.Channels),
		"-f", out, "pipe:1",
	)
	return args, nil
}

func containerFor(f domain.AudioFormat) (string, error) {
	switch f.Codec {
	case CodecPCM16:
		return "s16le", nil
	case CodecOpus:
		return "ogg", nil
	case CodecMP3:
		return "mp3", nil
	default:
		return "", fmt.Errorf("%w: codec %q", domain.ErrInvalidArgument, f.Codec)
	}
}

func lastLine(b []byte) []byte {
	b = bytes.TrimRight(b, "\n")
	if i := bytes.LastIndexByte(b, '\n'); i >= 0 {
		return b[i+1:]
	}
	return b
}

// Passthrough is a Transcoder that returns input unchanged. Used in tests and
// for pipelines whose endpoints already agree on a format.
type Passthrough struct{}

func (Passthrough) Convert(_ context.Context, _, _ domain.AudioFormat, data []byte) ([]byte, error) {
	return data, nil
}
