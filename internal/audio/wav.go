// Package audio normalizes uploaded audio to the canonical PCM form the
// transcription engine consumes: 16 kHz, mono, 16-bit signed little-endian
// WAV. It also provides the RIFF/WAV and PCM helpers the engine adapter
// uses to turn canonical files into float32 samples.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// Canonical PCM parameters fed to the engine.
const (
	CanonicalSampleRate = 16000
	CanonicalChannels   = 1
	CanonicalBits       = 16
)

// ErrNotWAV indicates data that does not parse as a RIFF/WAVE container.
var ErrNotWAV = errors.New("not a RIFF/WAVE file")

// WAVInfo describes the format of a parsed WAV file.
type WAVInfo struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	DataBytes     int
}

// Canonical reports whether the format matches the canonical PCM form.
func (i WAVInfo) Canonical() bool {
	return i.SampleRate == CanonicalSampleRate &&
		i.Channels == CanonicalChannels &&
		i.BitsPerSample == CanonicalBits
}

// Duration returns the audio length in seconds.
func (i WAVInfo) Duration() float64 {
	bytesPerSec := i.SampleRate * i.Channels * i.BitsPerSample / 8
	if bytesPerSec <= 0 {
		return 0
	}
	return float64(i.DataBytes) / float64(bytesPerSec)
}

// EncodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * CanonicalBits / 8
	blockAlign := channels * CanonicalBits / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                 // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))   // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate)) // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))   // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign)) // block align
	binary.LittleEndian.PutUint16(buf[34:36], CanonicalBits)      // bits per sample

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// DecodeWAV parses a RIFF/WAVE stream, returning its format and the raw PCM
// data chunk. Chunks other than fmt and data are skipped.
func DecodeWAV(r io.Reader) (WAVInfo, []byte, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return WAVInfo{}, nil, fmt.Errorf("audio: read RIFF header: %w", ErrNotWAV)
	}
	if string(hdr[0:4]) != "RIFF" || string(hdr[8:12]) != "WAVE" {
		return WAVInfo{}, nil, fmt.Errorf("audio: bad RIFF magic: %w", ErrNotWAV)
	}

	var (
		info    WAVInfo
		data    []byte
		sawFmt  bool
		sawData bool
	)
	for !(sawFmt && sawData) {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			return WAVInfo{}, nil, fmt.Errorf("audio: truncated chunk header: %w", ErrNotWAV)
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return WAVInfo{}, nil, fmt.Errorf("audio: fmt chunk too small: %w", ErrNotWAV)
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return WAVInfo{}, nil, fmt.Errorf("audio: truncated fmt chunk: %w", ErrNotWAV)
			}
			info.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(body[14:16]))
			sawFmt = true
		case "data":
			data = make([]byte, size)
			if _, err := io.ReadFull(r, data); err != nil {
				return WAVInfo{}, nil, fmt.Errorf("audio: truncated data chunk: %w", ErrNotWAV)
			}
			info.DataBytes = len(data)
			sawData = true
		default:
			// Chunks are word-aligned; odd sizes carry a pad byte.
			skip := int64(size)
			if size%2 == 1 {
				skip++
			}
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return WAVInfo{}, nil, fmt.Errorf("audio: truncated %q chunk: %w", id, ErrNotWAV)
			}
		}
	}
	return info, data, nil
}

// ReadWAVInfo parses just the format information of the WAV file at path.
func ReadWAVInfo(path string) (WAVInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return WAVInfo{}, fmt.Errorf("audio: open %q: %w", path, err)
	}
	defer f.Close()
	info, _, err := DecodeWAV(f)
	return info, err
}

// ReadWAVFloat32 loads the WAV file at path and returns its samples as mono
// float32 in [-1, 1], downmixing multi-channel input by averaging.
func ReadWAVFloat32(path string) ([]float32, WAVInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, WAVInfo{}, fmt.Errorf("audio: open %q: %w", path, err)
	}
	defer f.Close()

	info, pcm, err := DecodeWAV(f)
	if err != nil {
		return nil, WAVInfo{}, err
	}
	if info.BitsPerSample != 16 {
		return nil, WAVInfo{}, fmt.Errorf("audio: %d-bit samples are unsupported: %w", info.BitsPerSample, ErrNotWAV)
	}
	return PCMToFloat32Mono(pcm, info.Channels), info, nil
}

// PCMToFloat32 converts 16-bit signed little-endian PCM audio to float32
// samples normalised to the range [-1.0, 1.0]. Any trailing odd byte is
// silently ignored.
func PCMToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		samples[i] = float32(sample) / 32768.0
	}
	return samples
}

// PCMToFloat32Mono down-mixes multi-channel 16-bit PCM to mono float32 by
// averaging all channels per frame. If channels is 1 this is equivalent to
// PCMToFloat32.
func PCMToFloat32Mono(pcm []byte, channels int) []float32 {
	if channels <= 1 {
		return PCMToFloat32(pcm)
	}
	samplesPerChannel := len(pcm) / (2 * channels)
	mono := make([]float32, samplesPerChannel)
	for i := range samplesPerChannel {
		var sum float32
		for ch := range channels {
			idx := (i*channels + ch) * 2
			sample := int16(binary.LittleEndian.Uint16(pcm[idx : idx+2]))
			sum += float32(sample) / 32768.0
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}
