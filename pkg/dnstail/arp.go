package dnstail

import (
	"bufio"
	"os"
	"strings"

	"github.com/bastion-xolot/gateway/internal/types"
)

// ARPResolver maps client IPs to MAC addresses through the kernel neighbor
// table, so sinkholed lookups can be attributed to a device.
type ARPResolver struct {
	path string
}

// NewARPResolver reads the standard Linux neighbor table.
func NewARPResolver() *ARPResolver {
	return &ARPResolver{path: "/proc/net/arp"}
}

// Lookup returns the normalized MAC address for ip, or "" when the table
// has no complete entry for it. The table is small on a home network; it is
// re-read on every call rather than cached.
func (r *ARPResolver) Lookup(ip string) string {
	f, err := os.Open(r.path)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Scan() // header row
	for scanner.Scan() {
		// IP address  HW type  Flags  HW address  Mask  Device
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 || fields[0] != ip {
			continue
		}
		if fields[2] == "0x0" {
			// Incomplete entry: the kernel has no resolved address yet.
			continue
		}
		mac := types.NormalizeMAC(fields[3])
		if types.ValidMAC(mac) && mac != "00:00:00:00:00:00" {
			return mac
		}
	}
	return ""
}
