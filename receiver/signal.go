/*
NAME
  signal.go

DESCRIPTION
  signal.go reads the host's wireless signal level for inclusion in drift
  reports.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2025 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package receiver

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// wiredSignalDBm stands in for signal strength on hosts without a
// wireless interface, chosen so connection quality scores as full.
const wiredSignalDBm = -50

// wirelessSignal returns the signal level in dBm of the first wireless
// interface listed in /proc/net/wireless, or a nominal wired figure when
// none is found.
func wirelessSignal() float64 {
	f, err := os.Open("/proc/net/wireless")
	if err != nil {
		return wiredSignalDBm
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		// Interface lines are "wlan0: 0000 54. -56. ..."; the fourth
		// field is the signal level.
		if len(fields) < 4 || !strings.HasSuffix(fields[0], ":") {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSuffix(fields[3], "."), 64)
		if err != nil {
			continue
		}
		return v
	}
	return wiredSignalDBm
}
