package connectivity

import (
	"context"
	"os/exec"
	"strings"
)

// BluetoothProbe asks system_profiler whether the controller is powered.
func BluetoothProbe(ctx context.Context) (bool, error) {
	out, err := exec.CommandContext(ctx, "system_profiler", "SPBluetoothDataType").Output()
	if err != nil {
		return false, err
	}
	text := string(out)
	return strings.Contains(text, "Bluetooth Power: On") || strings.Contains(text, "State: On"), nil
}
