// SPDX-License-Identifier: MIT

// Package render writes transcripts to their requested output formats.
// Writes are atomic and durable: content goes to a pending file which is
// fsynced and renamed into place.
package render

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/scribeworks/scribed/internal/log"
	"github.com/scribeworks/scribed/internal/queue"
)

// Renderer renders transcript results into the output directory.
type Renderer struct {
	OutputDir string
}

// Render writes one output format for a single file result and returns
// the written path. Output files are named <basename>.<ext>.
func (r *Renderer) Render(format string, fr queue.FileResult, basename string) (string, error) {
	path := filepath.Join(r.OutputDir, basename+"."+format)

	var content []byte
	switch format {
	case "txt":
		content = []byte(fr.Text + "\n")
	case "srt":
		content = []byte(formatSRT(fr.Segments))
	case "vtt":
		content = []byte(formatVTT(fr.Segments))
	case "json":
		doc := structuredResult{
			File:        fr.File,
			Language:    fr.Language,
			Text:        fr.Text,
			Segments:    fr.Segments,
			GeneratedAt: time.Now().UTC(),
		}
		var err error
		content, err = json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal structured result: %w", err)
		}
		content = append(content, '\n')
	default:
		return "", fmt.Errorf("unknown output format %q", format)
	}

	if err := writeAtomic(path, content); err != nil {
		return "", err
	}
	return path, nil
}

type structuredResult struct {
	File        string          `json:"file"`
	Language    string          `json:"language"`
	Text        string          `json:"text"`
	Segments    []queue.Segment `json:"segments"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// writeAtomic commits content via a pending temp file. renameio handles
// temp creation, fsync, atomic rename and cleanup on error.
func writeAtomic(path string, content []byte) error {
	logger := log.WithComponent("render")

	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending output file: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			logger.Debug().Err(err).Str("path", path).Msg("cleanup pending output file")
		}
	}()

	if _, err := pending.Write(content); err != nil {
		return fmt.Errorf("write output data: %w", err)
	}

	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace output file: %w", err)
	}
	return nil
}

// formatSRT renders segments as SubRip with HH:MM:SS,mmm timestamps.
func formatSRT(segments []queue.Segment) string {
	var b strings.Builder
	for i, seg := range segments {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n",
			i+1,
			formatTimestamp(seg.Start, ","),
			formatTimestamp(seg.End, ","),
			strings.TrimSpace(seg.Text))
	}
	return b.String()
}

// formatVTT renders segments as WebVTT with HH:MM:SS.mmm timestamps.
func formatVTT(segments []queue.Segment) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	for _, seg := range segments {
		fmt.Fprintf(&b, "%s --> %s\n%s\n\n",
			formatTimestamp(seg.Start, "."),
			formatTimestamp(seg.End, "."),
			strings.TrimSpace(seg.Text))
	}
	return b.String()
}

func formatTimestamp(seconds float64, msSep string) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int(seconds)
	ms := int((seconds - float64(total)) * 1000)
	return fmt.Sprintf("%02d:%02d:%02d%s%03d", total/3600, (total%3600)/60, total%60, msSep, ms)
}

// Basename derives the output basename for an input audio path.
func Basename(audioPath string) string {
	base := filepath.Base(audioPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
