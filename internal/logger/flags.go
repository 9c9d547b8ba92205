package logger

import "flag"

// Flags holds the logging-related command-line flags, registered the same
// way the teacher's pkg/logger.Flags is.
type Flags struct {
	Level       string
	Format      string
	File        string
	DebugRTSP   bool
	DebugRTP    bool
	DebugRTCP   bool
	DebugNAL    bool
	DebugSess   bool
	DebugAll    bool
}

// RegisterFlags registers logging flags on fs.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}
	fs.StringVar(&f.Level, "log-level", "info", "log level: debug, info, warn, error")
	fs.StringVar(&f.Format, "log-format", "text", "log output format: text, json")
	fs.StringVar(&f.File, "log-file", "", "log output file path (default: stdout)")
	fs.BoolVar(&f.DebugRTSP, "debug-rtsp", false, "debug RTSP request/response parsing")
	fs.BoolVar(&f.DebugRTP, "debug-rtp", false, "debug outgoing RTP packets")
	fs.BoolVar(&f.DebugRTCP, "debug-rtcp", false, "debug RTCP SR/RR exchange")
	fs.BoolVar(&f.DebugNAL, "debug-nal", false, "debug NAL framing and fragmentation")
	fs.BoolVar(&f.DebugSess, "debug-session", false, "debug client session lifecycle")
	fs.BoolVar(&f.DebugAll, "debug-all", false, "enable all debug categories")
	return f
}

// ToConfig resolves the flags into a logger Config.
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	lvl, err := ParseLevel(f.Level)
	if err != nil {
		return nil, err
	}
	cfg.Level = lvl

	format, err := ParseFormat(f.Format)
	if err != nil {
		return nil, err
	}
	cfg.Format = format
	cfg.OutputFile = f.File

	if f.DebugAll {
		cfg.EnableCategory(CategoryAll)
		cfg.Level = LevelDebug
	} else {
		type toggle struct {
			on  bool
			cat Category
		}
		for _, t := range []toggle{
			{f.DebugRTSP, CategoryRTSP},
			{f.DebugRTP, CategoryRTP},
			{f.DebugRTCP, CategoryRTCP},
			{f.DebugNAL, CategoryNAL},
			{f.DebugSess, CategorySession},
		} {
			if t.on {
				cfg.EnableCategory(t.cat)
				cfg.Level = LevelDebug
			}
		}
	}

	return cfg, nil
}
