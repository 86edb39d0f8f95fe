package launch

import (
	"os"
	"strconv"
	"strings"
)

// Environment variables consulted by DetectWorkers, in priority order.
const (
	// EnvDevices lists compute devices, comma separated ("0,1,2,3").
	EnvDevices = "WAVEFORGE_DEVICES"
	// EnvWorkers gives a plain worker count.
	EnvWorkers = "WAVEFORGE_WORKERS"
)

// DetectWorkers reads the available worker/device count from the
// environment. It is called once per stage launch; the result must not
// change mid-stage. Absent or malformed values mean one worker.
func DetectWorkers() int {
	if v := os.Getenv(EnvDevices); v != "" {
		n := 0
		for _, part := range strings.Split(v, ",") {
			if strings.TrimSpace(part) != "" {
				n++
			}
		}
		if n > 0 {
			return n
		}
	}
	if v := os.Getenv(EnvWorkers); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			return n
		}
	}
	return 1
}
