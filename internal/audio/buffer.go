package audio

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"
)

const wavHeaderSize = 44

// Buffer is one finished recording. It is not modified after Record returns.
type Buffer struct {
	PCM        []byte
	SampleRate int
	Channels   int
	BitDepth   int
}

// NewBuffer wraps little-endian s16 PCM captured at the standard capture format.
func NewBuffer(pcm []byte) Buffer {
	return Buffer{PCM: pcm, SampleRate: SampleRate, Channels: Channels, BitDepth: BitDepth}
}

// Len returns the PCM payload size in bytes.
func (b Buffer) Len() int {
	return len(b.PCM)
}

// Duration returns the recorded length.
func (b Buffer) Duration() time.Duration {
	bytesPerSecond := b.SampleRate * b.Channels * (b.BitDepth / 8)
	if bytesPerSecond <= 0 {
		return 0
	}
	return time.Duration(len(b.PCM)) * time.Second / time.Duration(bytesPerSecond)
}

// Peak returns the largest absolute s16 sample value.
func (b Buffer) Peak() int {
	peak := 0
	for i := 0; i+1 < len(b.PCM); i += 2 {
		v := int(int16(binary.LittleEndian.Uint16(b.PCM[i : i+2])))
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return peak
}

// WAV returns the PCM wrapped in a canonical 44-byte RIFF/WAVE header.
func (b Buffer) WAV() []byte {
	var out bytes.Buffer
	out.Grow(wavHeaderSize + len(b.PCM))
	// bytes.Buffer writes never fail.
	_ = EncodeWAV(&out, b.PCM, b.SampleRate, b.Channels)
	return out.Bytes()
}

// EncodeWAV writes raw little-endian s16 PCM with a minimal WAV header.
func EncodeWAV(w io.Writer, pcm []byte, sampleRate int, channels int) error {
	if channels <= 0 {
		channels = 1
	}
	if sampleRate <= 0 {
		sampleRate = SampleRate
	}
	byteRate := sampleRate * channels * (BitDepth / 8)
	blockAlign := channels * (BitDepth / 8)

	header := make([]byte, wavHeaderSize)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+len(pcm)))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], BitDepth)
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(len(pcm)))

	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(pcm)
	return err
}
