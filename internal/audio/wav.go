// Package audio provides the WAV operations the narration pipeline needs:
// duration inspection, gapless concatenation, and silence generation.
package audio

import (
	"bytes"
	"errors"
	"fmt"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Format describes the PCM layout of a WAV payload.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// Info parses a WAV payload and returns its format.
func Info(data []byte) (Format, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return Format{}, errors.New("not a valid WAV payload")
	}
	dec.ReadInfo()
	return Format{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
	}, nil
}

// Duration returns the playback length of a WAV payload in seconds.
func Duration(data []byte) (float64, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return 0, errors.New("not a valid WAV payload")
	}
	d, err := dec.Duration()
	if err != nil {
		return 0, fmt.Errorf("read wav duration: %w", err)
	}
	return d.Seconds(), nil
}

// Concat joins WAV segments into one payload. Every segment must share the
// first segment's format; the result is a straight sample concatenation in
// input order.
func Concat(segments [][]byte) ([]byte, error) {
	if len(segments) == 0 {
		return nil, errors.New("no audio segments provided")
	}
	if len(segments) == 1 {
		return segments[0], nil
	}

	first, err := decodePCM(segments[0])
	if err != nil {
		return nil, fmt.Errorf("decode segment 0: %w", err)
	}

	combined := &gaudio.IntBuffer{
		Format:         first.Format,
		SourceBitDepth: first.SourceBitDepth,
		Data:           append([]int(nil), first.Data...),
	}

	for i, segment := range segments[1:] {
		buf, err := decodePCM(segment)
		if err != nil {
			return nil, fmt.Errorf("decode segment %d: %w", i+1, err)
		}
		if buf.Format.SampleRate != combined.Format.SampleRate ||
			buf.Format.NumChannels != combined.Format.NumChannels ||
			buf.SourceBitDepth != combined.SourceBitDepth {
			return nil, fmt.Errorf("audio format mismatch in segment %d: expected %dch/%dHz/%dbit, got %dch/%dHz/%dbit",
				i+1,
				combined.Format.NumChannels, combined.Format.SampleRate, combined.SourceBitDepth,
				buf.Format.NumChannels, buf.Format.SampleRate, buf.SourceBitDepth)
		}
		combined.Data = append(combined.Data, buf.Data...)
	}

	return encodePCM(combined)
}

// Silence produces a WAV payload of zero samples with the given length.
// The pipeline substitutes it for segments with no narratable text so the
// timing map stays dense.
func Silence(seconds float64, sampleRate, channels int) ([]byte, error) {
	if seconds <= 0 {
		return nil, errors.New("silence duration must be positive")
	}
	if sampleRate <= 0 || channels <= 0 {
		return nil, errors.New("silence format must be positive")
	}
	frames := int(seconds * float64(sampleRate))
	if frames == 0 {
		frames = 1
	}
	buf := &gaudio.IntBuffer{
		Format:         &gaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, frames*channels),
	}
	return encodePCM(buf)
}

func decodePCM(data []byte) (*gaudio.IntBuffer, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, errors.New("not a valid WAV payload")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("read pcm: %w", err)
	}
	if buf.SourceBitDepth == 0 {
		buf.SourceBitDepth = int(dec.BitDepth)
	}
	return buf, nil
}

func encodePCM(buf *gaudio.IntBuffer) ([]byte, error) {
	bitDepth := buf.SourceBitDepth
	if bitDepth == 0 {
		bitDepth = 16
	}
	var out seekableBuffer
	enc := wav.NewEncoder(&out, buf.Format.SampleRate, bitDepth, buf.Format.NumChannels, 1)
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return out.Bytes(), nil
}
