package supervisor

import (
	"context"
	"net"
	"os"
	"strconv"

	"github.com/rs/zerolog"
	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// listeningPIDs returns the pids holding a TCP listener on port.
func listeningPIDs(ctx context.Context, port int) ([]int32, error) {
	conns, err := gnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, err
	}
	seen := map[int32]bool{}
	var out []int32
	for _, c := range conns {
		if c.Status != "LISTEN" || int(c.Laddr.Port) != port || c.Pid <= 0 || seen[c.Pid] {
			continue
		}
		seen[c.Pid] = true
		out = append(out, c.Pid)
	}
	return out, nil
}

// evictPort kills every foreign process listening on port. The calling process
// is never killed. Returns the pids that were killed.
func evictPort(ctx context.Context, port int, log zerolog.Logger) []int32 {
	pids, err := listeningPIDs(ctx, port)
	if err != nil {
		log.Warn().Str("event", "port_scan_failed").Int("port", port).Err(err).Msg("")
		return nil
	}
	self := int32(os.Getpid())
	var killed []int32
	for _, pid := range pids {
		if pid == self {
			continue
		}
		p, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			continue
		}
		name, _ := p.NameWithContext(ctx)
		if err := p.KillWithContext(ctx); err != nil {
			log.Warn().Str("event", "evict_failed").Int("port", port).Int32("pid", pid).Str("name", name).Err(err).Msg("")
			continue
		}
		log.Info().Str("event", "evicted").Int("port", port).Int32("pid", pid).Str("name", name).Msg("")
		killed = append(killed, pid)
	}
	return killed
}

// portFree reports whether host:port can be bound right now.
func portFree(host string, port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
