//go:build !linux && !darwin && !windows

package connectivity

import "context"

// BluetoothProbe has no implementation on this platform.
func BluetoothProbe(context.Context) (bool, error) {
	return false, nil
}
