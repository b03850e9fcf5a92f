package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVideoBitrate(t *testing.T) {
	assert.Equal(t, 4_354_560, VideoBitrate(1920, 1080, 30))
	assert.Equal(t, 1_935_360, VideoBitrate(1280, 720, 30))
	assert.Zero(t, VideoBitrate(0, 720, 30))
}

func TestSelectMimeType(t *testing.T) {
	tests := []struct {
		name      string
		supported []string
		want      string
	}{
		{"first candidate wins", DefaultMimeCandidates, "video/webm;codecs=vp9,opus"},
		{"falls through", []string{"video/mp4;codecs=avc1,mp4a"}, "video/mp4;codecs=avc1,mp4a"},
		{"nothing supported", nil, DefaultMimeType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeRecorderFactory(tt.supported...)
			assert.Equal(t, tt.want, SelectMimeType(f, DefaultMimeCandidates))
		})
	}
}

func TestSelectMimeType_NeverPanics(t *testing.T) {
	assert.NotPanics(t, func() {
		assert.Equal(t, DefaultMimeType, SelectMimeType(nil, nil))
		assert.Equal(t, DefaultMimeType, SelectMimeType(newFakeRecorderFactory(), []string{}))
	})
	assert.Equal(t, MatroskaMimeType, SelectMimeType(&MatroskaRecorderFactory{}, nil))
}

func TestExtensionFor(t *testing.T) {
	tests := map[string]string{
		"video/webm;codecs=vp9,opus":        "webm",
		"video/webm":                        "webm",
		"video/mp4;codecs=avc1,mp4a":        "mp4",
		"video/x-matroska;codecs=mjpeg,pcm": "mkv",
		"":                                  "webm",
		"garbage;;":                         "webm",
	}
	for mimeType, want := range tests {
		assert.Equal(t, want, ExtensionFor(mimeType), mimeType)
	}
}

func TestParseMimeType(t *testing.T) {
	base, codecs := ParseMimeType(`Video/WebM; codecs="VP9, opus"`)
	assert.Equal(t, "video/webm", base)
	assert.Equal(t, []string{"vp9", "opus"}, codecs)

	base, codecs = ParseMimeType("video/mp4")
	assert.Equal(t, "video/mp4", base)
	assert.Empty(t, codecs)
}
