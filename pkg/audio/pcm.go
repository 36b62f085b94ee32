// Package audio holds the PCM helpers shared by speech capture and playback.
// All audio is mono little-endian int16.
package audio

import "time"

// BytesPerSample is the width of one mono int16 sample.
const BytesPerSample = 2

// Duration returns how long pcm plays at rate Hz.
func Duration(pcm []byte, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(len(pcm)/BytesPerSample) * time.Second / time.Duration(rate)
}

// Resample converts pcm from srcRate to dstRate using linear interpolation.
// The input is returned unchanged when the rates match or either is invalid.
// A trailing odd byte is ignored.
func Resample(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < BytesPerSample {
		return pcm
	}
	r := NewResampler(srcRate, dstRate)
	return append(r.Process(pcm), r.Flush()...)
}

// Resampler converts a PCM stream chunk by chunk. Its read position and the
// last input sample carry over between chunks, so a stream split into chunks
// resamples exactly as if it were one buffer. A Resampler is not safe for
// concurrent use.
type Resampler struct {
	src, dst int64

	// pos is the next output position in source samples scaled by dst,
	// relative to the first sample of the next chunk. Negative positions
	// fall between prev and that sample.
	pos     int64
	prev    int16
	hasPrev bool
}

// NewResampler returns a Resampler from srcRate to dstRate. With equal or
// invalid rates it passes audio through.
func NewResampler(srcRate, dstRate int) *Resampler {
	return &Resampler{src: int64(srcRate), dst: int64(dstRate)}
}

func (r *Resampler) passthrough() bool {
	return r.src <= 0 || r.dst <= 0 || r.src == r.dst
}

// Process resamples the next chunk. Output for positions past the last input
// sample is held back until the following chunk or [Resampler.Flush].
func (r *Resampler) Process(pcm []byte) []byte {
	if r.passthrough() {
		return pcm
	}
	n := int64(len(pcm) / BytesPerSample)
	if n == 0 {
		return nil
	}

	at := func(i int64) int16 {
		if i < 0 {
			return r.prev
		}
		return sampleAt(pcm, int(i))
	}

	var out []byte
	limit := (n - 1) * r.dst
	for r.pos < limit {
		i := floorDiv(r.pos, r.dst)
		rem := r.pos - i*r.dst
		a, b := int64(at(i)), int64(at(i+1))
		out = appendSample(out, int16(a+(b-a)*rem/r.dst))
		r.pos += r.src
	}
	r.pos -= n * r.dst
	r.prev = sampleAt(pcm, int(n-1))
	r.hasPrev = true
	return out
}

// Flush ends the stream, holding the last sample for the output positions
// that remain before it would have been followed by the next one.
func (r *Resampler) Flush() []byte {
	if r.passthrough() || !r.hasPrev {
		return nil
	}
	var out []byte
	for r.pos < 0 {
		out = appendSample(out, r.prev)
		r.pos += r.src
	}
	r.pos = 0
	r.hasPrev = false
	return out
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && a < 0 {
		q--
	}
	return q
}

func appendSample(pcm []byte, s int16) []byte {
	return append(pcm, byte(s), byte(s>>8))
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}
