package presence

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// IWCounter counts stations associated with a wireless access point
// interface using `iw dev <iface> station dump`.
type IWCounter struct {
	Interface string

	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewIWCounter creates a counter for the given interface
func NewIWCounter(iface string) *IWCounter {
	return &IWCounter{Interface: iface, run: runCommand}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// StationCount implements Counter
func (c *IWCounter) StationCount(ctx context.Context) (int, error) {
	out, err := c.run(ctx, "iw", "dev", c.Interface, "station", "dump")
	if err != nil {
		return 0, fmt.Errorf("iw station dump on %s: %w", c.Interface, err)
	}
	return CountStations(out), nil
}

// CountStations counts "Station <mac>" records in iw station dump output
func CountStations(dump []byte) int {
	n := 0
	sc := bufio.NewScanner(bytes.NewReader(dump))
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), "Station ") {
			n++
		}
	}
	return n
}
