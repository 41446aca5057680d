package audio

import (
	"bytes"
	"encoding/binary"
	"math"
)

// EncodePCM16 packs samples as little-endian 16-bit PCM.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodePCM16 unpacks little-endian 16-bit PCM. A trailing odd byte is
// ignored.
func DecodePCM16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// FloatToPCM16 converts [-1,1] float samples, clamping out-of-range input.
func FloatToPCM16(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, f := range in {
		switch {
		case f >= 1:
			out[i] = math.MaxInt16
		case f <= -1:
			out[i] = -math.MaxInt16
		default:
			out[i] = int16(f * math.MaxInt16)
		}
	}
	return out
}

// RMS returns the root-mean-square energy of samples normalized to [0,1].
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sumSq float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sumSq += v * v
	}
	return math.Sqrt(sumSq / float64(len(samples)))
}

// WAV wraps raw PCM16LE in a canonical 44-byte RIFF header.
func WAV(pcm []byte, sampleRate, channels int) []byte {
	const bitsPerSample = 16
	byteRate := uint32(sampleRate * channels * bitsPerSample / 8)
	blockAlign := uint16(channels * bitsPerSample / 8)
	dataLen := uint32(len(pcm))
	riffSize := uint32(4 + (8 + 16) + (8 + dataLen))

	buf := &bytes.Buffer{}
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, riffSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, byteRate)
	binary.Write(buf, binary.LittleEndian, blockAlign)
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, dataLen)
	buf.Write(pcm)
	return buf.Bytes()
}

// ParseWAV extracts the PCM16 payload and format from a RIFF/WAVE file. Only
// uncompressed 16-bit PCM is accepted.
func ParseWAV(b []byte) (Buffer, error) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return Buffer{}, ErrNotWAV
	}
	var buf Buffer
	fmtSeen := false
	for off := 12; off+8 <= len(b); {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4:]))
		body := off + 8
		if body+size > len(b) {
			size = len(b) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return Buffer{}, ErrNotWAV
			}
			if format := binary.LittleEndian.Uint16(b[body:]); format != 1 {
				return Buffer{}, ErrUnsupportedFormat
			}
			buf.Channels = int(binary.LittleEndian.Uint16(b[body+2:]))
			buf.SampleRate = int(binary.LittleEndian.Uint32(b[body+4:]))
			if bits := binary.LittleEndian.Uint16(b[body+14:]); bits != 16 {
				return Buffer{}, ErrUnsupportedFormat
			}
			fmtSeen = true
		case "data":
			if !fmtSeen {
				return Buffer{}, ErrNotWAV
			}
			buf.Samples = DecodePCM16(b[body : body+size])
			return buf, nil
		}
		off = body + size + size%2
	}
	return Buffer{}, ErrNotWAV
}
