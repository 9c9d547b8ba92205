package rtspserver

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethan/rtspd/internal/rtsperr"
)

// TransportSpec is the parsed form of a SETUP request's Transport header.
type TransportSpec struct {
	TCP         bool // RTP/AVP/TCP vs RTP/AVP (UDP)
	Multicast   bool
	ClientRTP   int
	ClientRTCP  int
	Interleaved [2]byte
}

// ParseTransport parses a Transport header value such as
// "RTP/AVP;unicast;client_port=50000-50001" or
// "RTP/AVP/TCP;unicast;interleaved=0-1". Only the first transport spec in
// a comma-separated list is considered; if it is unsupported, the header
// is rejected without trying the later specs.
func ParseTransport(value string) (*TransportSpec, error) {
	first := strings.Split(value, ",")[0]
	fields := strings.Split(first, ";")
	if len(fields) == 0 {
		return nil, rtsperr.UnsupportedTransport("parse", fmt.Errorf("empty Transport header"))
	}

	spec := &TransportSpec{}
	switch strings.ToUpper(strings.TrimSpace(fields[0])) {
	case "RTP/AVP", "RTP/AVP/UDP":
		spec.TCP = false
	case "RTP/AVP/TCP":
		spec.TCP = true
	default:
		return nil, rtsperr.UnsupportedTransport("parse", fmt.Errorf("unrecognized transport protocol %q", fields[0]))
	}

	for _, f := range fields[1:] {
		f = strings.TrimSpace(f)
		switch {
		case strings.EqualFold(f, "unicast"):
		case strings.EqualFold(f, "multicast"):
			spec.Multicast = true
		case strings.HasPrefix(strings.ToLower(f), "client_port="):
			ports := strings.TrimPrefix(f, "client_port=")
			lo, hi, err := parsePortRange(ports)
			if err != nil {
				return nil, rtsperr.UnsupportedTransport("parse client_port", err)
			}
			spec.ClientRTP, spec.ClientRTCP = lo, hi
		case strings.HasPrefix(strings.ToLower(f), "interleaved="):
			chans := strings.TrimPrefix(f, "interleaved=")
			lo, hi, err := parsePortRange(chans)
			if err != nil {
				return nil, rtsperr.UnsupportedTransport("parse interleaved", err)
			}
			spec.Interleaved = [2]byte{byte(lo), byte(hi)}
		}
	}

	if !spec.TCP && spec.ClientRTP == 0 {
		return nil, rtsperr.UnsupportedTransport("parse", fmt.Errorf("missing client_port for UDP transport"))
	}
	return spec, nil
}

func parsePortRange(s string) (lo, hi int, err error) {
	parts := strings.SplitN(s, "-", 2)
	lo, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, err
	}
	if len(parts) == 2 {
		hi, err = strconv.Atoi(parts[1])
		if err != nil {
			return 0, 0, err
		}
	} else {
		hi = lo + 1
	}
	return lo, hi, nil
}

// ServerTransportHeader renders the SETUP response's Transport header,
// echoing either server_port (UDP) or interleaved (TCP).
func ServerTransportHeader(spec *TransportSpec, serverRTPPort, serverRTCPPort uint16) string {
	if spec.TCP {
		return fmt.Sprintf("RTP/AVP/TCP;unicast;interleaved=%d-%d", spec.Interleaved[0], spec.Interleaved[1])
	}
	mode := "unicast"
	if spec.Multicast {
		mode = "multicast"
	}
	return fmt.Sprintf("RTP/AVP;%s;client_port=%d-%d;server_port=%d-%d",
		mode, spec.ClientRTP, spec.ClientRTCP, serverRTPPort, serverRTCPPort)
}
