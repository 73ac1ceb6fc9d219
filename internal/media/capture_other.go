//go:build !linux

package media

import "errors"

// DeviceCapture is unavailable off Linux: pion/mediadevices needs the
// platform drivers (V4L2, malgo) wired here. Sessions still run viewer-only
// with receive-only transceivers.
func DeviceCapture(video, audio bool) (*Capture, error) {
	return nil, errors.New("local capture not supported on this platform")
}
