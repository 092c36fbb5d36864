//go:build linux

package server

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// logListenBacklog logs the kernel's listen backlog limit (Linux-specific)
func logListenBacklog(addr string) {
	var somaxconn int
	if data, err := os.ReadFile("/proc/sys/net/core/somaxconn"); err == nil {
		fmt.Sscanf(string(data), "%d", &somaxconn)
	}

	log.Printf("TCP server listening on %s (kernel listen backlog: %d)", addr, somaxconn)
	if somaxconn > 0 && somaxconn < 4096 {
		debugLog.Printf("net.core.somaxconn=%d; connection bursts may overflow the accept queue", somaxconn)
	}
}

// monitorListenOverflows feeds kernel listen queue overflows into metrics.
// The counter is host-wide, so the first sample only sets the baseline.
func (s *Server) monitorListenOverflows() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	var lastOverflows uint64

	for {
		select {
		case <-ticker.C:
			overflows := getListenOverflows()
			if lastOverflows > 0 && overflows > lastOverflows {
				delta := overflows - lastOverflows
				s.metrics.RecordListenOverflows(delta)
				errorLog.Printf("%d connection(s) rejected due to listen backlog overflow (total: %d)", delta, overflows)
			}
			lastOverflows = overflows

		case <-s.shutdown:
			return
		}
	}
}

// getListenOverflows reads the host's ListenOverflows counter
func getListenOverflows() uint64 {
	file, err := os.Open("/proc/net/netstat")
	if err != nil {
		return 0
	}
	defer file.Close()
	return parseListenOverflows(file)
}

// parseListenOverflows extracts ListenOverflows from netstat's paired
// TcpExt header and value lines
func parseListenOverflows(r io.Reader) uint64 {
	scanner := bufio.NewScanner(r)
	var headers, values []string
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || fields[0] != "TcpExt:" {
			continue
		}
		if headers == nil {
			headers = fields[1:]
			continue
		}
		values = fields[1:]
		break
	}

	for i, header := range headers {
		if header == "ListenOverflows" && i < len(values) {
			n, err := strconv.ParseUint(values[i], 10, 64)
			if err != nil {
				return 0
			}
			return n
		}
	}
	return 0
}
