package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const (
	timeoutShort = 2 * time.Second
	tick         = 5 * time.Millisecond
)

// fakeRecorderFactory records every recorder it creates. Chunks are only
// produced when a test calls emit.
type fakeRecorderFactory struct {
	supported map[string]bool
	newErr    error

	mu        sync.Mutex
	recorders []*fakeRecorder
}

func newFakeRecorderFactory(supported ...string) *fakeRecorderFactory {
	f := &fakeRecorderFactory{supported: map[string]bool{}}
	for _, s := range supported {
		f.supported[s] = true
	}
	return f
}

func (f *fakeRecorderFactory) IsTypeSupported(mimeType string) bool { return f.supported[mimeType] }

func (f *fakeRecorderFactory) NewRecorder(stream MediaStream, options RecorderOptions) (MediaRecorder, error) {
	if f.newErr != nil {
		return nil, f.newErr
	}
	r := &fakeRecorder{stream: stream, options: options, finalChunk: []byte("final")}
	f.mu.Lock()
	f.recorders = append(f.recorders, r)
	f.mu.Unlock()
	return r, nil
}

func (f *fakeRecorderFactory) last() *fakeRecorder {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.recorders) == 0 {
		return nil
	}
	return f.recorders[len(f.recorders)-1]
}

func (f *fakeRecorderFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recorders)
}

type fakeRecorder struct {
	stream     MediaStream
	options    RecorderOptions
	finalChunk []byte
	onResume   func(*fakeRecorder)

	state atomic.Int32
	wg    sync.WaitGroup
}

func (r *fakeRecorder) Start() error {
	if r.State() != RecorderInactive {
		return errors.New("already started")
	}
	r.state.Store(int32(RecorderRecording))
	return nil
}

func (r *fakeRecorder) Pause() {
	r.state.CompareAndSwap(int32(RecorderRecording), int32(RecorderPaused))
}

// Resume runs onResume, if set, once recording has resumed.
func (r *fakeRecorder) Resume() {
	if r.state.CompareAndSwap(int32(RecorderPaused), int32(RecorderRecording)) && r.onResume != nil {
		r.onResume(r)
	}
}

// Stop flushes finalChunk and fires OnStop asynchronously.
func (r *fakeRecorder) Stop() {
	if RecorderState(r.state.Swap(int32(RecorderInactive))) == RecorderInactive {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if len(r.finalChunk) > 0 {
			r.options.Handlers.OnData(r.finalChunk)
		}
		r.options.Handlers.OnStop()
	}()
}

func (r *fakeRecorder) State() RecorderState { return RecorderState(r.state.Load()) }
func (r *fakeRecorder) MimeType() string     { return r.options.MimeType }

// emit delivers a chunk the way a recorder would on a timeslice tick.
func (r *fakeRecorder) emit(chunk string) {
	if r.State() == RecorderRecording {
		r.options.Handlers.OnData([]byte(chunk))
	}
}

// emitRaw bypasses the recorder state, like a late delivery.
func (r *fakeRecorder) emitRaw(chunk string) {
	r.options.Handlers.OnData([]byte(chunk))
}

// fail reports an encoding fault asynchronously.
func (r *fakeRecorder) fail(err error) {
	r.state.Store(int32(RecorderInactive))
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.options.Handlers.OnError(err)
	}()
}

// gatedDevices blocks display acquisition until gate is closed.
type gatedDevices struct {
	MediaDevices
	gate chan struct{}
}

func (g *gatedDevices) GetDisplayMedia(ctx context.Context, options DisplayMediaOptions) (MediaStream, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.MediaDevices.GetDisplayMedia(ctx, options)
}

// memorySaver keeps saved artifacts in memory.
type memorySaver struct {
	mu    sync.Mutex
	saved map[string][]byte
	names []string
}

func (m *memorySaver) Save(name string, artifact *Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = map[string][]byte{}
	}
	m.saved[name] = artifact.Bytes()
	m.names = append(m.names, name)
	return nil
}
