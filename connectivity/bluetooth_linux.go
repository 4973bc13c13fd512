package connectivity

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	sysBluetooth = "/sys/class/bluetooth"
	sysRFKill    = "/sys/class/rfkill"
)

// BluetoothProbe reports whether an adapter exists and no bluetooth rfkill
// switch blocks it.
func BluetoothProbe(ctx context.Context) (bool, error) {
	adapters, err := os.ReadDir(sysBluetooth)
	if err != nil {
		return rfkillList(ctx)
	}
	if len(adapters) == 0 {
		return false, nil
	}
	return bluetoothUnblocked(sysRFKill)
}

// bluetoothUnblocked inspects the rfkill switches under root. An adapter with
// no bluetooth switch is unblocked.
func bluetoothUnblocked(root string) (bool, error) {
	switches, err := os.ReadDir(root)
	if err != nil {
		return true, nil
	}
	seen := false
	for _, sw := range switches {
		dir := filepath.Join(root, sw.Name())
		if readTrimmed(filepath.Join(dir, "type")) != "bluetooth" {
			continue
		}
		seen = true
		if readTrimmed(filepath.Join(dir, "soft")) != "1" && readTrimmed(filepath.Join(dir, "hard")) != "1" {
			return true, nil
		}
	}
	return !seen, nil
}

// rfkillList falls back to the rfkill tool when sysfs is not mounted.
func rfkillList(ctx context.Context) (bool, error) {
	out, err := exec.CommandContext(ctx, "rfkill", "list", "bluetooth").Output()
	if err != nil {
		return false, err
	}
	return parseRFKill(string(out)), nil
}

func parseRFKill(out string) bool {
	return strings.Contains(out, "Bluetooth") &&
		!strings.Contains(out, "Soft blocked: yes") &&
		!strings.Contains(out, "Hard blocked: yes")
}

func readTrimmed(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}
