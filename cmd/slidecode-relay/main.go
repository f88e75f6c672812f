// Command slidecode-relay is a small UDP transport demo around the
// decoder core: it listens for coded packets on a UDP socket, feeds
// them into a decode.Set, and announces itself over mDNS/DNS-SD so
// peers on the local network can find it without typing in an address
// — the same github.com/brutella/dnssd idiom dns_sd.go uses for the
// KISS-over-TCP service, pointed at a UDP coded-packet service instead.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"

	"github.com/brutella/dnssd"
	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/n9fec/slidecode/config"
	"github.com/n9fec/slidecode/decode"
	"github.com/n9fec/slidecode/gf"
	"github.com/n9fec/slidecode/packet"
)

// serviceType names the DNS-SD service type, the UDP analogue of
// dns_sd.go's "_kiss-tnc._tcp".
const serviceType = "_slidecode._udp"

// datagram layout: 1 byte field descriptor l, 4 bytes coef_min (big
// endian), 4 bytes coef_max (big endian), then HEADER_BYTES header
// bytes, then the remaining bytes as payload. The envelope bounds have
// to ride alongside the header since a coded packet's own wire format
// carries only the packed coefficients, not their absolute positions.
const datagramPrefix = 1 + 4 + 4

func main() {
	var listenAddr = pflag.StringP("listen", "l", ":9700", "UDP address to listen on.")
	var serviceName = pflag.StringP("name", "n", "", "DNS-SD service name to announce (default: hostname).")
	var noAnnounce = pflag.BoolP("no-announce", "q", false, "Disable DNS-SD announcement.")
	var configFile = pflag.StringP("config-file", "c", "", "Configuration file (default: search standard locations).")
	var verbose = pflag.BoolP("verbose", "v", false, "Debug-level tracing of packet set activity.")
	var help = pflag.BoolP("help", "h", false, "Display help text.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - UDP relay for coded packets, announced over mDNS/DNS-SD.\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *help {
		pflag.Usage()
		os.Exit(0)
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{Level: log.InfoLevel})
	if *verbose {
		logger.SetLevel(log.DebugLevel)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Fatal("loading configuration", "err", err)
	}
	field := cfg.NewField()

	conn, err := net.ListenPacket("udp", *listenAddr)
	if err != nil {
		logger.Fatal("listening", "addr", *listenAddr, "err", err)
	}
	defer conn.Close()

	if !*noAnnounce {
		announce(logger, *serviceName, conn.LocalAddr())
	}

	onDecoded := func(s *decode.Set, id decode.PacketID) {
		row := s.Row(id)
		logger.Info("decoded", "pos", s.PivotPos(id), "bytes", row.DataSize)
	}
	onFull := func(s *decode.Set, threshold uint32) {
		for s.FreeFirst() {
		}
		logger.Debug("on_full: freed decoded pivots", "threshold", threshold)
	}

	set := decode.New(field, cfg.MaxCodedPacket, cfg.MaxCoefPos, onDecoded, onFull, nil, nil)
	set.SetLogger(logger)

	logger.Info("listening for coded packets", "addr", conn.LocalAddr(), "field_l", field.L())
	serve(conn, set, field, logger)
}

func announce(logger *log.Logger, name string, addr net.Addr) {
	if name == "" {
		if hostname, err := os.Hostname(); err == nil {
			name = hostname
		} else {
			name = "slidecode-relay"
		}
	}

	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		logger.Error("DNS-SD: could not determine listen port", "err", err)
		return
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		logger.Error("DNS-SD: could not parse listen port", "port", portStr, "err", err)
		return
	}

	cfg := dnssd.Config{Name: name, Type: serviceType, Port: port} //nolint:exhaustruct
	sv, err := dnssd.NewService(cfg)
	if err != nil {
		logger.Error("DNS-SD: failed to create service", "err", err)
		return
	}

	rp, err := dnssd.NewResponder()
	if err != nil {
		logger.Error("DNS-SD: failed to create responder", "err", err)
		return
	}

	if _, err := rp.Add(sv); err != nil {
		logger.Error("DNS-SD: failed to add service", "err", err)
		return
	}

	logger.Info("DNS-SD: announcing coded-packet relay", "name", name, "port", port)
	go func() {
		if err := rp.Respond(context.Background()); err != nil {
			logger.Error("DNS-SD: responder error", "err", err)
		}
	}()
}

func serve(conn net.PacketConn, set *decode.Set, field *gf.Field, logger *log.Logger) {
	buf := make([]byte, datagramPrefix+packet.HeaderBytes+packet.PayloadMax)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			logger.Error("read failed", "err", err)
			return
		}
		pkt, err := decodeDatagram(field, buf[:n])
		if err != nil {
			logger.Warn("dropping malformed datagram", "from", addr, "err", err)
			continue
		}

		var stat decode.Stat
		id := set.Add(pkt, &stat)
		logger.Debug("inserted datagram", "from", addr, "slot", id, "stat", stat)

		if err := set.Check(); err != nil {
			logger.Fatal("invariant check failed after insertion", "err", err)
		}
	}
}

func decodeDatagram(field *gf.Field, data []byte) (*packet.CodedPacket, error) {
	if len(data) < datagramPrefix+packet.HeaderBytes {
		return nil, fmt.Errorf("datagram of %d bytes shorter than minimum %d", len(data), datagramPrefix+packet.HeaderBytes)
	}
	l := int(data[0])
	if l != field.L() {
		return nil, fmt.Errorf("field descriptor l=%d does not match relay's l=%d", l, field.L())
	}
	coefMin := binary.BigEndian.Uint32(data[1:5])
	coefMax := binary.BigEndian.Uint32(data[5:9])

	pkt := new(packet.CodedPacket)
	packet.Init(pkt, field)
	header := data[datagramPrefix : datagramPrefix+packet.HeaderBytes]
	payload := data[datagramPrefix+packet.HeaderBytes:]
	copy(pkt.Buf[:packet.HeaderBytes], header)
	copy(pkt.Buf[packet.HeaderBytes:packet.HeaderBytes+len(payload)], payload)
	pkt.DataSize = len(payload)
	pkt.CoefMin, pkt.CoefMax = coefMin, coefMax
	pkt.RecomputeMinMax()
	return pkt, nil
}
