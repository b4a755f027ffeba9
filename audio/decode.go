package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"strconv"
	"strings"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"

	"viva/encoder"
)

// DefaultPCMRate is assumed for raw PCM payloads that carry no rate parameter.
const DefaultPCMRate = 24000

var ErrUnsupportedFormat = errors.New("unsupported audio format")

// Decode turns a synthesized speech payload into mono float samples.
// Supported types are audio/mpeg, audio/wav and raw little-endian PCM16
// (audio/pcm or audio/L16, with an optional rate parameter).
func Decode(data []byte, mimeType string) ([]float32, int, error) {
	if len(data) == 0 {
		return nil, 0, errors.New("empty audio payload")
	}
	mediaType, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(mimeType))
	}

	switch mediaType {
	case "audio/mpeg", "audio/mp3":
		return decodeMP3(data)
	case "audio/wav", "audio/wave", "audio/x-wav":
		return decodeWAV(bytes.NewReader(data))
	case "audio/pcm", "audio/l16", "audio/raw", "":
		rate := DefaultPCMRate
		if r, err := strconv.Atoi(params["rate"]); err == nil && r > 0 {
			rate = r
		}
		samples, err := encoder.PCM16ToFloat(data)
		if err != nil {
			return nil, 0, err
		}
		return samples, rate, nil
	}
	return nil, 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, mimeType)
}

func decodeMP3(data []byte) ([]float32, int, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("mp3 decode: %w", err)
	}
	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, 0, fmt.Errorf("mp3 decode: %w", err)
	}
	// go-mp3 always yields 16-bit stereo.
	frames := len(raw) / 4
	out := make([]float32, frames)
	for i := range out {
		l := int16(uint16(raw[i*4]) | uint16(raw[i*4+1])<<8)
		r := int16(uint16(raw[i*4+2]) | uint16(raw[i*4+3])<<8)
		out[i] = (float32(l) + float32(r)) / 2 / 32768
	}
	return out, dec.SampleRate(), nil
}

func decodeWAV(r io.ReadSeeker) ([]float32, int, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, errors.New("wav decode: invalid file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("wav decode: %w", err)
	}
	return downmix(buf), buf.Format.SampleRate, nil
}

func downmix(buf *goaudio.IntBuffer) []float32 {
	channels := buf.Format.NumChannels
	if channels <= 0 {
		channels = 1
	}
	depth := buf.SourceBitDepth
	if depth <= 0 {
		depth = 16
	}
	scale := float32(int64(1) << (depth - 1))
	out := make([]float32, len(buf.Data)/channels)
	for i := range out {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += float32(buf.Data[i*channels+c])
		}
		out[i] = sum / float32(channels) / scale
	}
	return out
}

// LoadWAV reads a WAV file from disk as mono float samples.
func LoadWAV(path string) ([]float32, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	return decodeWAV(f)
}

// EncodeWAV renders mono float samples as a 16-bit WAV file.
func EncodeWAV(w io.WriteSeeker, samples []float32, sampleRate int) error {
	enc := wav.NewEncoder(w, sampleRate, 16, 1, 1)
	ints := make([]int, len(samples))
	for i, v := range encoder.PCM16ToInt16(encoder.FloatToPCM16(samples)) {
		ints[i] = int(v)
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           ints,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return err
	}
	return enc.Close()
}
