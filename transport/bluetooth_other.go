//go:build !linux

package transport

import (
	"context"

	"unishare/apperr"
)

type unsupportedRFCOMM struct{}

func platformRFCOMM() rfcommSockets { return unsupportedRFCOMM{} }

func (unsupportedRFCOMM) supported() bool { return false }

func (unsupportedRFCOMM) connect(context.Context, BluetoothAddress) (Stream, error) {
	return nil, apperr.Errorf(apperr.TransportUnavailable, "connect rfcomm", "not supported on this platform")
}

func (unsupportedRFCOMM) listen(context.Context, int) (Listener, error) {
	return nil, apperr.Errorf(apperr.TransportUnavailable, "listen rfcomm", "not supported on this platform")
}
