// SPDX-License-Identifier: MIT

package config

// KnownModels lists the recognized transcription models, ordered smallest
// to largest. The order doubles as the scheduler's small-first ranking.
var KnownModels = []string{
	"tiny", "base", "small", "medium", "large", "large-v2", "large-v3", "turbo",
}

// ModelMemoryGB is the base per-model memory footprint table in GB.
var ModelMemoryGB = map[string]float64{
	"tiny":     1.0,
	"base":     1.0,
	"small":    2.0,
	"medium":   5.0,
	"large":    10.0,
	"large-v2": 10.0,
	"large-v3": 10.0,
	"turbo":    6.0,
}

// DefaultModelMemoryGB is used when a model is missing from the table.
const DefaultModelMemoryGB = 5.0

// IsKnownModel reports whether name is a recognized model.
func IsKnownModel(name string) bool {
	_, ok := ModelMemoryGB[name]
	return ok
}

// ModelRank returns the small-first rank of a model. Unknown models rank
// after every known one so they are scheduled last.
func ModelRank(name string) int {
	for i, m := range KnownModels {
		if m == name {
			return i
		}
	}
	return len(KnownModels)
}

// BaseModelMemoryGB returns the table footprint for a model, falling back
// to DefaultModelMemoryGB for unknown names.
func BaseModelMemoryGB(name string) float64 {
	if gb, ok := ModelMemoryGB[name]; ok {
		return gb
	}
	return DefaultModelMemoryGB
}

// KnownLanguages lists the accepted language codes. "auto" requests
// detection by the engine.
var KnownLanguages = []string{
	"auto", "zh", "en", "ja", "ko", "fr", "de", "es", "ru", "ar", "pt",
}

// IsKnownLanguage reports whether code is an accepted language code.
func IsKnownLanguage(code string) bool {
	for _, l := range KnownLanguages {
		if l == code {
			return true
		}
	}
	return false
}

// OutputFormats lists the supported transcript output formats.
var OutputFormats = []string{"txt", "srt", "vtt", "json"}

// IsKnownFormat reports whether f is a supported output format.
func IsKnownFormat(f string) bool {
	for _, k := range OutputFormats {
		if k == f {
			return true
		}
	}
	return false
}
