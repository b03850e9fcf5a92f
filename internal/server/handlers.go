package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/thesyncim/capture"
)

const previewQuality = 70

type artifactResponse struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	MimeType  string    `json:"mimeType"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

type stateResponse struct {
	Status           capture.Status    `json:"status"`
	Error            string            `json:"error,omitempty"`
	Loading          bool              `json:"loading"`
	SecondaryPreview bool              `json:"secondaryPreview"`
	Recording        bool              `json:"recording"`
	Artifact         *artifactResponse `json:"artifact,omitempty"`
}

func newStateResponse(snap capture.Snapshot) stateResponse {
	return stateResponse{
		Status:           snap.Status,
		Error:            snap.Error,
		Loading:          snap.Loading,
		SecondaryPreview: snap.SecondaryStream != nil,
		Recording:        snap.CombinedStream != nil,
	}
}

func (s *Server) state() stateResponse {
	snap := s.opts.Session.Snapshot()
	resp := newStateResponse(snap)
	if a, ok := s.opts.Session.Artifact(); ok {
		resp.Artifact = &artifactResponse{
			ID:        a.ID,
			URL:       snap.ArtifactURL,
			MimeType:  a.MimeType,
			Size:      a.Size(),
			CreatedAt: a.CreatedAt,
		}
	}
	return resp
}

type startRequest struct {
	AudioSource      *string `json:"audioSource" binding:"omitempty,oneof=none mic system both"`
	CaptureSecondary *bool   `json:"captureSecondary"`
	AudioDeviceID    string  `json:"audioDeviceId"`
	VideoDeviceID    string  `json:"videoDeviceId"`
}

func (r startRequest) options(defaults capture.StartOptions) (capture.StartOptions, error) {
	opts := defaults
	if r.AudioSource != nil {
		src, err := capture.ParseAudioSource(*r.AudioSource)
		if err != nil {
			return opts, err
		}
		opts.AudioSource = src
	}
	if r.CaptureSecondary != nil {
		opts.CaptureSecondary = *r.CaptureSecondary
	}
	if r.AudioDeviceID != "" {
		opts.SelectedAudioDeviceID = r.AudioDeviceID
	}
	if r.VideoDeviceID != "" {
		opts.SelectedVideoDeviceID = r.VideoDeviceID
	}
	return opts, nil
}

type secondaryRequest struct {
	Enabled bool `json:"enabled"`
}

type saveRequest struct {
	Prefix string `json:"prefix" binding:"omitempty,excludesall=/"`
}

type deviceResponse struct {
	DeviceID string `json:"deviceId"`
	GroupID  string `json:"groupId"`
	Kind     string `json:"kind"`
	Label    string `json:"label"`
}

// bindOptionalJSON accepts an empty body.
func bindOptionalJSON(c *gin.Context, v any) error {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// statusCode maps session errors onto HTTP status codes.
func statusCode(err error) int {
	var acqErr *capture.AcquisitionError
	switch {
	case errors.Is(err, capture.ErrBusy), errors.Is(err, capture.ErrSessionActive):
		return http.StatusConflict
	case errors.Is(err, capture.ErrNoArtifact):
		return http.StatusNotFound
	case errors.Is(err, capture.ErrSessionClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, capture.ErrAcquisitionUnsatisfiable):
		return http.StatusUnprocessableEntity
	case errors.As(err, &acqErr):
		switch acqErr.Kind {
		case capture.AcquisitionPermissionDenied:
			return http.StatusForbidden
		case capture.AcquisitionNotFound:
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func (s *Server) getState(c *gin.Context) {
	c.JSON(http.StatusOK, s.state())
}

func (s *Server) postStart(c *gin.Context) {
	var req startRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	opts, err := req.options(s.opts.Defaults)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.opts.Session.Start(c.Request.Context(), opts); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.state())
}

// action wraps a parameterless session action.
func (s *Server) action(fn func() error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := fn(); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, s.state())
	}
}

func (s *Server) postSecondary(c *gin.Context) {
	var req secondaryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.opts.Session.ToggleSecondarySource(c.Request.Context(), req.Enabled); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.state())
}

func (s *Server) postSave(c *gin.Context) {
	var req saveRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	prefix := req.Prefix
	if prefix == "" {
		prefix = s.opts.FilenamePrefix
	}
	name, err := s.opts.Session.Download(prefix)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name})
}

func (s *Server) getDownload(c *gin.Context) {
	artifact, ok := s.opts.Session.Artifact()
	if !ok {
		s.fail(c, capture.ErrNoArtifact)
		return
	}
	prefix := c.DefaultQuery("prefix", s.opts.FilenamePrefix)
	name := prefix + "." + artifact.Extension()
	c.DataFromReader(http.StatusOK, int64(artifact.Size()), artifact.MimeType, artifact.Reader(), map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", name),
	})
}

func (s *Server) getDevices(c *gin.Context) {
	devices, err := s.opts.Devices.EnumerateDevices(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	resp := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		resp = append(resp, deviceResponse{
			DeviceID: d.DeviceID,
			GroupID:  d.GroupID,
			Kind:     d.Kind.String(),
			Label:    d.Label,
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getEvents(c *gin.Context) {
	initial, err := json.Marshal(s.state())
	if err != nil {
		s.fail(c, err)
		return
	}
	s.hub.Serve(c.Writer, c.Request, initial)
}

func encodePreview(frame *capture.VideoFrame) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame.Image, &jpeg.Options{Quality: previewQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Server) getPreviewFrame(c *gin.Context) {
	frame, ok := s.opts.Session.PreviewFrame()
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	data, err := encodePreview(frame)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "image/jpeg", data)
}

// getPreviewStream serves the composite as multipart MJPEG until the client
// goes away. Frames are only written when the composite has changed.
func (s *Server) getPreviewStream(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(time.Second / time.Duration(s.opts.PreviewFPS))
	defer ticker.Stop()

	ctx := c.Request.Context()
	last := time.Duration(-1)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame, ok := s.opts.Session.PreviewFrame()
		if !ok || frame.Timestamp == last {
			continue
		}
		last = frame.Timestamp

		data, err := encodePreview(frame)
		if err != nil {
			s.logger.Warn("preview encode failed", zap.Error(err))
			continue
		}
		fmt.Fprintf(c.Writer, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(data))
		if _, err := c.Writer.Write(data); err != nil {
			return
		}
		fmt.Fprint(c.Writer, "\r\n")
		flusher.Flush()
	}
}
