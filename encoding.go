package capture

import "strings"

// DefaultMimeType is used when no candidate is supported.
const DefaultMimeType = "video/webm"

// MatroskaMimeType is produced by the built-in MatroskaRecorderFactory.
const MatroskaMimeType = "video/x-matroska;codecs=mjpeg,pcm"

// DefaultMimeCandidates are probed in order by SelectMimeType.
var DefaultMimeCandidates = []string{
	"video/webm;codecs=vp9,opus",
	"video/webm;codecs=vp8,opus",
	"video/webm;codecs=h264,opus",
	"video/mp4;codecs=avc1,mp4a",
	MatroskaMimeType,
}

// bitsPerPixel is the bitrate budget per pixel per frame.
const bitsPerPixel = 0.07

// VideoBitrate returns the target video bitrate in bits per second.
func VideoBitrate(width, height, fps int) int {
	return int(float64(width) * float64(height) * float64(fps) * bitsPerPixel)
}

// SelectMimeType returns the first candidate the factory supports, falling
// back to DefaultMimeType. A nil factory or nil candidates never panic.
func SelectMimeType(factory RecorderFactory, candidates []string) string {
	if factory == nil {
		return DefaultMimeType
	}
	if candidates == nil {
		candidates = DefaultMimeCandidates
	}
	for _, c := range candidates {
		if c != "" && factory.IsTypeSupported(c) {
			return c
		}
	}
	return DefaultMimeType
}

// ExtensionFor returns the file extension for a container mime type.
func ExtensionFor(mimeType string) string {
	base, _ := ParseMimeType(mimeType)
	switch base {
	case "video/mp4", "audio/mp4":
		return "mp4"
	case "video/x-matroska", "audio/x-matroska":
		return "mkv"
	default:
		return "webm"
	}
}

// ParseMimeType splits a media recorder mime type such as
// `video/webm;codecs=vp9,opus` into its lower-cased container type and codec
// list. The codec list may be quoted or bare.
func ParseMimeType(mimeType string) (base string, codecs []string) {
	parts := strings.Split(mimeType, ";")
	base = strings.ToLower(strings.TrimSpace(parts[0]))
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(p, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), "codecs") {
			continue
		}
		for _, c := range strings.Split(strings.Trim(strings.TrimSpace(v), `"`), ",") {
			if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
				codecs = append(codecs, c)
			}
		}
	}
	return base, codecs
}
