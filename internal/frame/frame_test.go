package frame

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sweep returns n samples spread evenly over the full 16-bit range.
func sweep(n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		v := MinSample + (MaxSample-MinSample)*i/(n-1)
		out[i] = int16(v)
	}
	return out
}

// expectedSaturate is the reference clip(x·g) used by the amplify tests.
func expectedSaturate(x int16, g float64) int16 {
	v := math.Round(float64(x) * g)
	if v > MaxSample {
		return MaxSample
	}
	if v < MinSample {
		return MinSample
	}
	return int16(v)
}

func TestAmplifySaturatesInsteadOfWrapping(t *testing.T) {
	in := New(sweep(1024))
	for _, g := range []float64{0.25, 1, 2, 3.7, 100} {
		out := Amplify(in, g, ClipSaturate)
		require.Equal(t, in.Len(), out.Len())
		for i := range in.Len() {
			want := expectedSaturate(in.At(i), g)
			if out.At(i) != want {
				t.Fatalf("gain %v sample %d: want %d, got %d", g, i, want, out.At(i))
			}
		}
	}
}

func TestAmplifyExtremes(t *testing.T) {
	in := New([]int16{MaxSample, MinSample, 20000, -20000, 1})
	out := Amplify(in, 2, ClipSaturate)
	assert.Equal(t, []int16{MaxSample, MinSample, MaxSample, MinSample, 2}, out.Samples())
}

func TestSoftClipBoundedAndMonotonic(t *testing.T) {
	in := New(sweep(4096))
	out := Amplify(in, 4, ClipSoft)
	prev := int16(MinSample)
	for i := range out.Len() {
		s := out.At(i)
		if s < prev {
			t.Fatalf("soft clip not monotonic at %d: %d after %d", i, s, prev)
		}
		prev = s
	}
	// Below the knee the soft policy is linear.
	small := Amplify(New([]int16{1000, -1000}), 2, ClipSoft)
	assert.Equal(t, []int16{2000, -2000}, small.Samples())
}

func TestBufferIsImmutable(t *testing.T) {
	src := []int16{1, 2, 3}
	b := New(src)
	src[0] = 99
	assert.Equal(t, int16(1), b.At(0), "New must copy its input")

	out := b.Samples()
	out[1] = 99
	assert.Equal(t, int16(2), b.At(1), "Samples must return a copy")
}

func TestFloatsRoundTrip(t *testing.T) {
	b := New([]int16{0, 16384, -16384, MaxSample, MinSample})
	f := b.Floats(nil)
	assert.InDelta(t, 0.5, f[1], 1e-12)
	assert.InDelta(t, -1.0, f[4], 1e-12)
	assert.True(t, FromFloats(f, ClipSaturate).Equal(b))
}

func TestFromFloatsClips(t *testing.T) {
	b := FromFloats([]float64{2, -3, math.NaN()}, ClipSaturate)
	assert.Equal(t, []int16{MaxSample, MinSample, 0}, b.Samples())
}

func TestEnergyAndPower(t *testing.T) {
	b := New([]int16{16384, -16384, 16384, -16384})
	assert.InDelta(t, 1.0, b.Energy(), 1e-12)
	assert.InDelta(t, 0.25, b.Power(), 1e-12)
	assert.InDelta(t, 0.5, b.RMS(), 1e-12)
	assert.Zero(t, Buffer{}.Power())
}

func TestParseClipPolicy(t *testing.T) {
	p, err := ParseClipPolicy("Soft")
	require.NoError(t, err)
	assert.Equal(t, ClipSoft, p)

	p, err = ParseClipPolicy("")
	require.NoError(t, err)
	assert.Equal(t, ClipSaturate, p)

	_, err = ParseClipPolicy("wrap")
	assert.Error(t, err)

	var q ClipPolicy
	require.NoError(t, q.UnmarshalText([]byte("soft")))
	text, err := q.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "soft", string(text))
}

func TestGainUnityReturnsSameFrame(t *testing.T) {
	b := New(sweep(16))
	assert.True(t, Gain{Factor: 1}.Apply(b).Equal(b))
	assert.True(t, Gain{Factor: 2}.Apply(b).Equal(Amplify(b, 2, ClipSaturate)))
}

func TestGainUnityHonorsSoftClip(t *testing.T) {
	b := New([]int16{30000, -30000, 100})
	got := Gain{Factor: 1, Policy: ClipSoft}.Apply(b)
	assert.True(t, got.Equal(Amplify(b, 1, ClipSoft)))
	assert.Less(t, got.At(0), int16(30000), "samples above the knee are compressed")
	assert.Equal(t, int16(100), got.At(2))
}

func BenchmarkAmplify(b *testing.B) {
	in := New(sweep(1024))
	for b.Loop() {
		Amplify(in, 2, ClipSaturate)
	}
}
