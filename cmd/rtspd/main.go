// Command rtspd is an on-demand RTSP 1.0 streaming server: point it at
// H.264 or H.265 Annex B files and it serves each as a describable,
// playable stream, styled after the teacher's cmd/relay entrypoint (flag
// registration, structured logging, signal-driven graceful shutdown).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethan/rtspd/internal/accesslog"
	"github.com/ethan/rtspd/internal/config"
	"github.com/ethan/rtspd/internal/h264subsession"
	"github.com/ethan/rtspd/internal/logger"
	"github.com/ethan/rtspd/internal/mediasession"
	"github.com/ethan/rtspd/internal/ondemand"
	"github.com/ethan/rtspd/internal/rtspserver"
	"github.com/ethan/rtspd/internal/scheduler"
)

// streamFlag accumulates repeated -stream name=path.h264 flags.
type streamFlag struct {
	names []string
	paths []string
}

func (f *streamFlag) String() string { return strings.Join(f.names, ",") }

func (f *streamFlag) Set(value string) error {
	name, path, ok := strings.Cut(value, "=")
	if !ok {
		return fmt.Errorf("stream flag %q: expected name=path.h264", value)
	}
	f.names = append(f.names, name)
	f.paths = append(f.paths, path)
	return nil
}

// userFlag accumulates repeated -auth-user username:password flags.
type userFlag struct {
	usernames []string
	passwords []string
}

func (f *userFlag) String() string { return strings.Join(f.usernames, ",") }

func (f *userFlag) Set(value string) error {
	user, pass, ok := strings.Cut(value, ":")
	if !ok {
		return fmt.Errorf("auth-user flag %q: expected username:password", value)
	}
	f.usernames = append(f.usernames, user)
	f.passwords = append(f.passwords, pass)
	return nil
}

func main() {
	fs := flag.NewFlagSet("rtspd", flag.ExitOnError)
	cfgFlags := config.RegisterFlags(fs)
	logFlags := logger.RegisterFlags(fs)

	var streams streamFlag
	fs.Var(&streams, "stream", "name=path.h264 (or .h265/.hevc), repeatable; each becomes rtsp://host:port/name")

	var users userFlag
	fs.Var(&users, "auth-user", "username:password, repeatable; ignored unless -auth-realm is set")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -stream name=path.h264 [-stream name2=path2.h264 ...] [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "On-demand RTSP server for H.264/H.265 Annex B files\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
		os.Exit(1)
	}

	logCfg, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error configuring logger: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()
	logger.SetDefault(log)

	cfg, err := cfgFlags.ToConfig()
	if err != nil {
		log.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	if len(streams.names) == 0 {
		fmt.Fprintln(os.Stderr, "at least one -stream name=path.h264 is required")
		fs.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := scheduler.New()
	go sched.Run(ctx)

	access := accesslog.New(os.Stdout)
	var authDB *rtspserver.AuthDB
	if cfg.AuthRealm != "" {
		authDB = rtspserver.NewAuthDB(cfg.AuthRealm)
		for i, user := range users.usernames {
			authDB.AddUser(user, users.passwords[i])
		}
	}

	srv := rtspserver.NewServer(cfg, sched, authDB, log.Logger, access)

	const dynamicPayloadType = 96
	for i, name := range streams.names {
		path := streams.paths[i]
		desc, sub, err := h264subsession.New(sched, dynamicPayloadType, path, cfg.InitialPortNum, cfg.MultiplexRTCPWithRTP, cfg.ReuseFirstSource)
		if err != nil {
			log.Error("failed to prepare stream", "name", name, "path", path, "err", err)
			os.Exit(1)
		}

		sess := mediasession.New(name, "rtspd", fmt.Sprintf("on-demand stream from %s", path))
		sess.AddSubsession(desc)
		srv.AddStream(sess, []*ondemand.Subsession{sub})
		log.Info("stream registered", "name", name, "path", path)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	log.Info("rtspd starting", "port", cfg.Port, "streams", streams.names)
	if err := srv.ListenAndServe(ctx); err != nil {
		log.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}
