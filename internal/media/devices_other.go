//go:build !linux

package media

import "errors"

var errUnsupported = errors.New("local media capture is only supported on linux")

// HostDevices is a stub on non-Linux platforms; selection of live
// local kinds fails cleanly and the previous selection stays up.
type HostDevices struct{}

func NewHostDevices() *HostDevices { return &HostDevices{} }

func (h *HostDevices) OpenCamera() (Source, error) { return nil, errUnsupported }
func (h *HostDevices) OpenScreen() (Source, error) { return nil, errUnsupported }
