package audio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPCM16RoundTrip(t *testing.T) {
	t.Parallel()

	samples := []float32{0, 0.5, -0.5, 1, -1, 1.5, -1.5, 0.0001, -0.0001}
	pcm := PCM16FromFloat32(samples)
	require.Len(t, pcm, len(samples)*BytesPerSample)

	back := Float32FromPCM16(pcm)
	require.Len(t, back, len(samples))

	// clipped values round-trip to the clip boundary, not the original
	require.InDelta(t, 1.0, float64(back[3]), 0.001)
	require.InDelta(t, -1.0, float64(back[4]), 0.001)
	require.InDelta(t, 1.0, float64(back[5]), 0.001) // 1.5 clipped to 1
	require.InDelta(t, -1.0, float64(back[6]), 0.001) // -1.5 clipped to -1
}

func TestEncodeDecodeBase64(t *testing.T) {
	t.Parallel()

	pcm := PCM16FromFloat32([]float32{0.25, -0.25})
	encoded := EncodeBase64(pcm)
	decoded, err := DecodeBase64(encoded)
	require.NoError(t, err)
	require.Equal(t, pcm, decoded)
}

func TestMsToByteIndex(t *testing.T) {
	t.Parallel()

	// 1 second @ 24kHz 16-bit mono = 48000 bytes
	require.Equal(t, 48000, MsToByteIndex(1000, 24000))
	require.Equal(t, 0, MsToByteIndex(0, 24000))
	require.Equal(t, 24000, MsToByteIndex(500, 24000))
}

func TestSampleIndexToMs(t *testing.T) {
	t.Parallel()

	require.Equal(t, 500, SampleIndexToMs(12000, 24000))
	require.Equal(t, 0, SampleIndexToMs(0, 24000))
}

func TestBufferAppendAndClear(t *testing.T) {
	t.Parallel()

	var b Buffer
	b.Append([]byte{1, 2, 3})
	b.Append([]byte{4, 5})
	require.Equal(t, []byte{1, 2, 3, 4, 5}, b.Bytes())
	require.Equal(t, 5, b.Len())

	b.Clear()
	require.Equal(t, 0, b.Len())
}

func TestSlice(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 60000)
	for i := range buf {
		buf[i] = byte(i % 256)
	}

	// interruption scenario from spec.md: speech_started at 1200ms,
	// speech_stopped at 1800ms, 24kHz sample rate
	slice := Slice(buf, 1200, 1800, 24000)
	require.Equal(t, buf[28800:43200], slice)
}

func TestSliceClampsToBounds(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 100)
	slice := Slice(buf, 0, 100000, 24000)
	require.Equal(t, 100, len(slice))
}
