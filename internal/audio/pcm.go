package audio

import "encoding/binary"

// DecodePCM16 converts little-endian 16-bit PCM bytes into float32
// samples in [-1, 1). A trailing odd byte is ignored.
func DecodePCM16(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		samples[i] = float32(v) / 32768
	}
	return samples
}
