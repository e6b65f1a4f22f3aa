package audio

import (
	"context"
	"sync"
	"time"

	"voxhall/internal/domain"
)

// bufferPool recycles chunk buffers on the hot path. Buffers are sized by the
// caller; Get returns a zero-length slice with whatever capacity was returned
// to the pool.
var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 8192)
		return &b
	},
}

func getBuffer() []byte {
	return (*bufferPool.Get().(*[]byte))[:0]
}

func putBuffer(b []byte) {
	bufferPool.Put(&b)
}

// Egress converts synthesized speech into the room codec and emits it as
// chunks sized for the media producer. One input sink (Push), one output
// source (Out). Close flushes nothing extra for egress: every Push emits its
// full payload before returning.
type Egress struct {
	tc        Transcoder
	target    domain.AudioFormat
	chunkSize int
	out       chan []byte
	stats     *Stats

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	ctx    context.Context
}

// EgressOptions tunes an egress pipeline.
type EgressOptions struct {
	Transcoder Transcoder
	Target     domain.AudioFormat
	ChunkSize  int // bytes per emitted chunk
}

// NewEgress creates an egress pipeline. The output channel holds roughly one
// second of audio; when it is full the oldest chunk is dropped.
func NewEgress(opts EgressOptions) *Egress {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 4096
	}
	if opts.Target.Codec == "" {
		opts.Target = RoomFormat()
	}
	capacity := bytesPerSecond(opts.Target) / opts.ChunkSize
	if capacity < 4 {
		capacity = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Egress{
		tc:        opts.Transcoder,
		target:    opts.Target,
		chunkSize: opts.ChunkSize,
		out:       make(chan []byte, capacity),
		stats:     NewStats(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Out is the chunk stream toward the media producer.
func (e *Egress) Out() <-chan []byte { return e.out }

// Stats returns the pipeline's counters.
func (e *Egress) Stats() *Stats { return e.stats }

// Push converts one utterance and emits it in chunk-size pieces, in order.
func (e *Egress) Push(ctx context.Context, in *domain.Audio) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return domain.WrapOp("egress.push", domain.ErrCancelled)
	}
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(e.ctx, cancel)()

	start := time.Now()
	converted, err := e.tc.Convert(ctx, in.Format, e.target, in.Data)
	if err != nil {
		e.stats.addError()
		return domain.WrapOp("egress.convert", err)
	}
	e.stats.observe("convert", time.Since(start))
	e.stats.addBytes(len(in.Data), len(converted))

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return domain.WrapOp("egress.push", domain.ErrCancelled)
	}

	for off := 0; off < len(converted); off += e.chunkSize {
		end := off + e.chunkSize
		if end > len(converted) {
			end = len(converted)
		}
		chunk := append(getBuffer(), converted[off:end]...)
		e.emitLocked(chunk)
	}
	return nil
}

// emitLocked enqueues a chunk, dropping the oldest pending one when full.
func (e *Egress) emitLocked(chunk []byte) {
	for {
		select {
		case e.out <- chunk:
			e.stats.addChunk(true)
			return
		default:
		}
		select {
		case old := <-e.out:
			putBuffer(old)
			e.stats.addError()
		default:
		}
	}
}

// Close cancels in-flight conversion and closes the output channel.
func (e *Egress) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.cancel()
	close(e.out)
}

// Chunk is a bucket of capture-format PCM labeled by the voice detector.
type Chunk struct {
	PCM      []byte
	IsVoice  bool
	Duration time.Duration
}

// Ingress converts consumed room audio to the capture format, labels it with
// the voice detector, and emits buckets of fixed duration. Closing the input
// flushes a final partial bucket.
type Ingress struct {
	tc     Transcoder
	source domain.AudioFormat
	target domain.AudioFormat
	vad    *VAD
	bucket time.Duration
	out    chan Chunk
	stats  *Stats

	mu      sync.Mutex
	pending []byte
	closed  bool
	cancel  context.CancelFunc
	ctx     context.Context
}

// IngressOptions tunes an ingress pipeline.
type IngressOptions struct {
	Transcoder   Transcoder
	Source       domain.AudioFormat
	Bucket       time.Duration
	VADThreshold float64
}

// NewIngress creates an ingress pipeline emitting CaptureFormat buckets.
func NewIngress(opts IngressOptions) *Ingress {
	if opts.Bucket <= 0 {
		opts.Bucket = time.Second
	}
	if opts.Source.Codec == "" {
		opts.Source = RoomFormat()
	}
	target := CaptureFormat()
	capacity := int(time.Second / opts.Bucket)
	if capacity < 4 {
		capacity = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Ingress{
		tc:     opts.Transcoder,
		source: opts.Source,
		target: target,
		vad:    NewVAD(opts.VADThreshold),
		bucket: opts.Bucket,
		out:    make(chan Chunk, capacity),
		stats:  NewStats(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Out is the labeled bucket stream toward transcription.
func (i *Ingress) Out() <-chan Chunk { return i.out }

// Stats returns the pipeline's counters.
func (i *Ingress) Stats() *Stats { return i.stats }

// bucketBytes is the size of one full bucket in capture-format bytes.
func (i *Ingress) bucketBytes() int {
	return int(float64(bytesPerSecond(i.target)) * i.bucket.Seconds())
}

// Push converts one consumed chunk and emits every full bucket it completes.
func (i *Ingress) Push(ctx context.Context, data []byte) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return domain.WrapOp("ingress.push", domain.ErrCancelled)
	}
	i.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(i.ctx, cancel)()

	start := time.Now()
	pcm, err := i.tc.Convert(ctx, i.source, i.target, data)
	if err != nil {
		i.stats.addError()
		return domain.WrapOp("ingress.convert", err)
	}
	i.stats.observe("convert", time.Since(start))
	i.stats.addBytes(len(data), len(pcm))

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return domain.WrapOp("ingress.push", domain.ErrCancelled)
	}

	i.pending = append(i.pending, pcm...)
	size := i.bucketBytes()
	for len(i.pending) >= size {
		bucket := append(getBuffer(), i.pending[:size]...)
		i.pending = i.pending[size:]
		i.emitLocked(bucket, i.bucket)
	}
	return nil
}

func (i *Ingress) emitLocked(pcm []byte, d time.Duration) {
	voice := i.vad.IsVoice(pcm)
	chunk := Chunk{PCM: pcm, IsVoice: voice, Duration: d}
	for {
		select {
		case i.out <- chunk:
			i.stats.addChunk(voice)
			return
		default:
		}
		select {
		case old := <-i.out:
			putBuffer(old.PCM)
			i.stats.addError()
		default:
		}
	}
}

// Close flushes the final partial bucket, cancels in-flight conversion, and
// closes the output channel.
func (i *Ingress) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return
	}
	i.closed = true

	if len(i.pending) > 0 {
		d := time.Duration(float64(time.Second) * float64(len(i.pending)) / float64(bytesPerSecond(i.target)))
		i.emitLocked(append(getBuffer(), i.pending...), d)
		i.pending = nil
	}
	i.cancel()
	close(i.out)
}
