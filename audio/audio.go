// Package audio implements the PCM16/float32 codec and millisecond↔sample
// conversions the conversation engine needs at the wire boundary. No
// third-party library in the retrieval pack does raw signal packing, so
// this package is deliberately stdlib-only (see DESIGN.md).
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"math"
)

// BytesPerSample is fixed by the wire protocol's default encoding:
// signed 16-bit little-endian PCM, mono.
const BytesPerSample = 2

// MsToSampleIndex converts a millisecond offset to a sample index at the
// given sample rate: floor(ms * sampleRate / 1000).
func MsToSampleIndex(ms, sampleRate int) int {
	if ms <= 0 {
		return 0
	}
	return (ms * sampleRate) / 1000
}

// SampleIndexToMs converts a sample count to a millisecond offset at the
// given sample rate: floor(samples * 1000 / sampleRate).
func SampleIndexToMs(samples, sampleRate int) int {
	if samples <= 0 {
		return 0
	}
	return (samples * 1000) / sampleRate
}

// MsToByteIndex converts a millisecond offset to a byte offset into a
// PCM16 buffer at the given sample rate.
func MsToByteIndex(ms, sampleRate int) int {
	return MsToSampleIndex(ms, sampleRate) * BytesPerSample
}

// SampleCount returns how many PCM16 samples are represented by n bytes.
func SampleCount(byteLen int) int {
	return byteLen / BytesPerSample
}

// EncodeBase64 is the wire boundary: raw PCM bytes in, base64 text out.
func EncodeBase64(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeBase64 is the wire boundary: base64 text in, raw PCM bytes out.
func DecodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// PCM16FromFloat32 clips each sample to [-1, 1], scales by 32767, and
// packs the result as signed 16-bit little-endian PCM (round-trip law
// R1 of the spec).
func PCM16FromFloat32(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(math.Round(float64(s) * 32767))
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(v))
	}
	return out
}

// Float32FromPCM16 is the inverse of PCM16FromFloat32, used by tests to
// verify the round-trip law.
func Float32FromPCM16(pcm []byte) []float32 {
	n := SampleCount(len(pcm))
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:]))
		out[i] = float32(v) / 32767
	}
	return out
}

// Buffer is the client-side local input audio accumulator: raw PCM bytes
// appended by the audio source, read-and-cleared by create_response, and
// read (sliced) by the conversation store on speech_stopped. It carries
// no locking of its own — spec.md §5 places every caller on the same
// logical executor.
type Buffer struct {
	data []byte
}

// Append extends the buffer with newly captured bytes.
func (b *Buffer) Append(chunk []byte) {
	b.data = append(b.data, chunk...)
}

// Bytes returns the buffer's contents without clearing it.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Len reports the number of buffered bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Clear empties the buffer.
func (b *Buffer) Clear() {
	b.data = nil
}

// Slice returns a copy of buf[i:j], where i and j are the sample indices
// floor(ms * sampleRate / 1000) of startMs and endMs used directly as
// offsets into buf, clamped to the buffer's bounds. Used by the
// conversation store to pull the speech segment out of the captured PCM
// on speech_stopped.
func Slice(buf []byte, startMs, endMs, sampleRate int) []byte {
	start := MsToSampleIndex(startMs, sampleRate)
	end := MsToSampleIndex(endMs, sampleRate)
	if start > len(buf) {
		start = len(buf)
	}
	if end > len(buf) {
		end = len(buf)
	}
	if end < start {
		end = start
	}
	out := make([]byte, end-start)
	copy(out, buf[start:end])
	return out
}
