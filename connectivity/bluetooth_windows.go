package connectivity

import (
	"context"
	"os/exec"
	"strings"
)

// BluetoothProbe asks PnP for a working Bluetooth class device.
func BluetoothProbe(ctx context.Context) (bool, error) {
	out, err := exec.CommandContext(ctx, "powershell", "-NoProfile", "-Command",
		"Get-PnpDevice -Class Bluetooth | Where-Object { $_.Status -eq 'OK' }").Output()
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(out)) != "", nil
}
