// Package config holds the per-server-instance configuration surface
// described in section 6 of the design, plus the flag registration used by
// cmd/rtspd (mirroring the teacher's pkg/logger.RegisterFlags pattern).
package config

import (
	"flag"
	"fmt"
)

// Config is the configuration surface for one RTSPServer instance.
type Config struct {
	Port                 uint16
	ReclamationSeconds   uint32
	HTTPTunnelPort       uint16 // not read by the server; tunnels are accepted on Port
	AllowRTPOverTCP      bool
	AuthRealm            string // empty disables Digest auth
	ReuseFirstSource      bool
	InitialPortNum       uint16
	MultiplexRTCPWithRTP bool
}

// Default returns the configuration defaults named in section 6.
func Default() *Config {
	return &Config{
		Port:                 554,
		ReclamationSeconds:   65,
		HTTPTunnelPort:       0,
		AllowRTPOverTCP:      true,
		InitialPortNum:       6970,
		MultiplexRTCPWithRTP: false,
	}
}

// Flags registers command-line flags for Config onto fs.
type Flags struct {
	Port                 uint
	ReclamationSeconds   uint
	HTTPTunnelPort       uint
	AllowRTPOverTCP      bool
	AuthRealm            string
	ReuseFirstSource     bool
	InitialPortNum       uint
	MultiplexRTCPWithRTP bool
}

// RegisterFlags registers the Config surface onto fs and returns a Flags
// that ToConfig() can later resolve once fs.Parse has run.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	d := Default()
	f := &Flags{}

	fs.UintVar(&f.Port, "port", uint(d.Port), "RTSP listening port")
	fs.UintVar(&f.ReclamationSeconds, "reclamation-seconds", uint(d.ReclamationSeconds),
		"seconds without an RTSP command on a session before reclamation (RTCP RRs do not count)")
	fs.UintVar(&f.HTTPTunnelPort, "http-tunnel-port", 0,
		"unused: RTSP-over-HTTP tunneled GET/POST pairs are accepted on -port whatever this is set to")
	fs.BoolVar(&f.AllowRTPOverTCP, "allow-rtp-over-tcp", d.AllowRTPOverTCP,
		"accept interleaved (TCP) transport in SETUP")
	fs.StringVar(&f.AuthRealm, "auth-realm", "", "Digest auth realm (empty disables authentication)")
	fs.BoolVar(&f.ReuseFirstSource, "reuse-first-source", false,
		"share one stream graph across identical client sessions")
	fs.UintVar(&f.InitialPortNum, "initial-port-num", uint(d.InitialPortNum),
		"first even UDP port tried for a new client's RTP destination")
	fs.BoolVar(&f.MultiplexRTCPWithRTP, "multiplex-rtcp-with-rtp", d.MultiplexRTCPWithRTP,
		"send RTCP on the same port as RTP")

	return f
}

// ToConfig resolves parsed flags into a Config, validating ranges.
func (f *Flags) ToConfig() (*Config, error) {
	if f.Port == 0 || f.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", f.Port)
	}
	if f.InitialPortNum == 0 || f.InitialPortNum > 65534 {
		return nil, fmt.Errorf("invalid initial-port-num %d", f.InitialPortNum)
	}
	return &Config{
		Port:                 uint16(f.Port),
		ReclamationSeconds:   uint32(f.ReclamationSeconds),
		HTTPTunnelPort:       uint16(f.HTTPTunnelPort),
		AllowRTPOverTCP:      f.AllowRTPOverTCP,
		AuthRealm:            f.AuthRealm,
		ReuseFirstSource:     f.ReuseFirstSource,
		InitialPortNum:       uint16(f.InitialPortNum),
		MultiplexRTCPWithRTP: f.MultiplexRTCPWithRTP,
	}, nil
}
