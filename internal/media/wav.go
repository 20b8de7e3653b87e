// SPDX-License-Identifier: MIT

// Package media probes audio metadata needed for memory estimation.
package media

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// Metadata resolves per-file audio properties.
type Metadata interface {
	// DurationSeconds returns the playback duration of the audio file.
	DurationSeconds(path string) (float64, error)
}

// ErrUnsupportedFormat is returned for inputs the prober cannot parse.
// Callers treat such files as having unknown (zero) duration rather than
// rejecting them; the engine decides whether it can decode them.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// WAVProber reads durations from RIFF/WAVE headers.
type WAVProber struct{}

// DurationSeconds implements Metadata.
func (WAVProber) DurationSeconds(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only

	var riff [12]byte
	if _, err := io.ReadFull(f, riff[:]); err != nil {
		return 0, fmt.Errorf("read RIFF header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return 0, ErrUnsupportedFormat
	}

	var byteRate uint32
	var dataSize uint32
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(f, chunk[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return 0, fmt.Errorf("read chunk header: %w", err)
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			var fmtChunk [16]byte
			if _, err := io.ReadFull(f, fmtChunk[:]); err != nil {
				return 0, fmt.Errorf("read fmt chunk: %w", err)
			}
			byteRate = binary.LittleEndian.Uint32(fmtChunk[8:12])
			if size > 16 {
				if _, err := f.Seek(int64(size-16), io.SeekCurrent); err != nil {
					return 0, fmt.Errorf("skip fmt extension: %w", err)
				}
			}
		case "data":
			dataSize = size
			if _, err := f.Seek(int64(size), io.SeekCurrent); err != nil {
				return 0, fmt.Errorf("skip data chunk: %w", err)
			}
		default:
			// Chunks are word-aligned; odd sizes carry a pad byte.
			skip := int64(size)
			if size%2 == 1 {
				skip++
			}
			if _, err := f.Seek(skip, io.SeekCurrent); err != nil {
				return 0, fmt.Errorf("skip %s chunk: %w", id, err)
			}
		}
		if byteRate > 0 && dataSize > 0 {
			break
		}
	}

	if byteRate == 0 || dataSize == 0 {
		return 0, ErrUnsupportedFormat
	}
	return float64(dataSize) / float64(byteRate), nil
}
