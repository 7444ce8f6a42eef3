package audio

import (
	"encoding/binary"
	"math"

	"github.com/zaf/g711"
)

const (
	// SampleRate is the telephony rate used on the wire and inside the pipeline.
	SampleRate = 8000
	// FrameBytes is 20ms of 16-bit mono PCM at SampleRate.
	FrameBytes = SampleRate / 50 * 2
)

// UlawToPCM decodes G.711 mu-law to 16-bit little endian PCM.
func UlawToPCM(ulaw []byte) []byte {
	return g711.DecodeUlaw(ulaw)
}

// PCMToUlaw encodes 16-bit little endian PCM to G.711 mu-law. A trailing
// odd byte is ignored.
func PCMToUlaw(pcm []byte) []byte {
	return g711.EncodeUlaw(pcm[:len(pcm)&^1])
}

// Resample converts 16-bit mono PCM between sample rates using linear
// interpolation.
func Resample(pcm []byte, from, to int) []byte {
	if from == to || len(pcm) < 2 {
		return pcm
	}
	in := len(pcm) / 2
	out := int(int64(in) * int64(to) / int64(from))
	if out == 0 {
		return nil
	}
	sample := func(i int) float64 {
		return float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}

	res := make([]byte, out*2)
	step := float64(from) / float64(to)
	for i := 0; i < out; i++ {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		v := sample(idx)
		if idx+1 < in {
			v += (sample(idx+1) - v) * frac
		}
		binary.LittleEndian.PutUint16(res[i*2:], uint16(int16(math.Round(v))))
	}
	return res
}

// RMS returns the root mean square level of 16-bit PCM scaled to [0, 1].
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// Duration of a PCM buffer in seconds at rate.
func Duration(pcm []byte, rate int) float64 {
	return float64(len(pcm)/2) / float64(rate)
}
