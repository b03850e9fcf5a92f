// Package capture records a display, an optional camera and a microphone
// into a single downloadable file.
//
// Key pieces include:
//   - MediaStream/MediaStreamTrack and MediaDevices (getUserMedia-style APIs)
//   - Acquirer, which turns platform grants into per-source DeviceStreams
//   - Compositor, which draws the camera as a picture-in-picture overlay
//   - MixGraph, which sums every audio input into one track
//   - MediaRecorder implementations and the Matroska recorder
//   - Session, the state machine tying everything together
//
// # Architecture
//
//	Acquire: MediaDevices -> Acquirer -> DeviceStream (display, camera, microphone)
//	Video:   display + camera -> Compositor -> CompositeOutput track
//	Audio:   system audio + microphone -> MixGraph -> mix track
//	Record:  combined MediaStream -> MediaRecorder -> chunks -> Artifact + object URL
//
// # Session lifecycle
//
//	idle -> acquiring -> recording <-> paused -> stopped -> (Reset) idle
//
// Acquisition failures and encoder faults return the session to idle with an
// error message. The platform ending the display share stops the recording,
// or aborts it when nothing was recorded yet.
//
// # Platform access
//
// Device access goes through a DeviceProvider. SyntheticProvider generates
// test patterns and tones so the whole pipeline runs without hardware.
package capture
