package audio

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Upsample converts 16-bit little-endian mono PCM from one sample rate to
// an integer multiple of it with linear interpolation. Telephony legs are
// 8 kHz; the realtime transcription input is 24 kHz.
func Upsample(input []byte, fromRate, toRate int) ([]byte, error) {
	if fromRate <= 0 || toRate < fromRate || toRate%fromRate != 0 {
		return nil, fmt.Errorf("unsupported resample %d -> %d", fromRate, toRate)
	}
	factor := toRate / fromRate
	if factor == 1 {
		out := make([]byte, len(input)&^1)
		copy(out, input)
		return out, nil
	}

	samples := make([]int16, len(input)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(input[i*2 : i*2+2]))
	}

	up := make([]int16, len(samples)*factor)
	for i := 0; i < len(samples); i++ {
		cur := int32(samples[i])
		next := cur
		if i+1 < len(samples) {
			next = int32(samples[i+1])
		}
		for k := 0; k < factor; k++ {
			up[i*factor+k] = int16(cur + (next-cur)*int32(k)/int32(factor))
		}
	}

	output := make([]byte, len(up)*2)
	for i, s := range up {
		binary.LittleEndian.PutUint16(output[i*2:i*2+2], uint16(s))
	}
	return output, nil
}

// Duration of a 16-bit mono PCM buffer at sampleRate.
func Duration(pcmBytes, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := pcmBytes / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// BytesFor returns the buffer size holding d of 16-bit mono PCM.
func BytesFor(d time.Duration, sampleRate int) int {
	return int(d*time.Duration(sampleRate)/time.Second) * 2
}
