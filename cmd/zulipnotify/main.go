package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"zulipnotify/internal/config"
	"zulipnotify/internal/relay"
	"zulipnotify/internal/zulip"
	logx "zulipnotify/pkg/logx"
)

const defaultConfig = "./config.json"

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  zulipnotify send  [-config f] [-to stream] [-topic t] [message...]
  zulipnotify relay [-config f] [-follow] [-level info]
  zulipnotify check [-config f]
  zulipnotify history [-config f] [-n 20]`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "send":
		err = runSend(ctx, os.Args[2:])
	case "relay":
		err = runRelay(ctx, os.Args[2:])
	case "check":
		err = runCheck(os.Args[2:])
	case "history":
		err = runHistory(ctx, os.Args[2:])
	case "-h", "-help", "--help", "help":
		usage()
		return
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func runSend(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfig, "path to config (json or yaml)")
	to := fs.String("to", "", "override destination stream")
	topic := fs.String("topic", "", "override topic")
	_ = fs.Parse(args)

	msg := strings.Join(fs.Args(), " ")
	if msg == "" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		msg = strings.TrimRight(string(b), "\r\n")
	}
	if strings.TrimSpace(msg) == "" {
		return errors.New("empty message")
	}
	return relay.SendOnce(ctx, *cfgPath, *to, *topic, msg)
}

func runRelay(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("relay", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfig, "path to config (json or yaml)")
	follow := fs.Bool("follow", false, "keep running after stdin closes")
	level := fs.String("level", "info", "level for lines without a recognizable level")
	_ = fs.Parse(args)

	r, err := relay.New(relay.Options{
		ConfigPath:   *cfgPath,
		Input:        os.Stdin,
		Follow:       *follow,
		DefaultLevel: logx.ParseLevel(*level, logx.LevelInfo),
	})
	if err != nil {
		return err
	}
	return r.Run(ctx)
}

func runCheck(args []string) error {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfig, "path to config (json or yaml)")
	_ = fs.Parse(args)

	cfg, err := config.NewManager(*cfgPath).Load()
	if err != nil {
		return err
	}
	nc, err := cfg.NotifierConfig()
	if err != nil {
		return err
	}
	n, err := zulip.New(nc)
	if err != nil {
		var dm *zulip.DependencyMissingError
		if errors.As(err, &dm) {
			return fmt.Errorf("tls unavailable: %w", err)
		}
		return err
	}
	if _, err := cfg.LogConfig(); err != nil {
		return err
	}
	fmt.Println("ok:", n)
	return nil
}

func runHistory(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfig, "path to config (json or yaml)")
	limit := fs.Int("n", 20, "number of entries")
	_ = fs.Parse(args)

	ds, err := relay.RecentDeliveries(ctx, *cfgPath, *limit)
	if err != nil {
		return err
	}
	for _, d := range ds {
		status := "ok"
		if d.Error != "" {
			status = "failed: " + d.Error
		}
		fmt.Printf("%s  %-8s %5dB %4dms  %s\n", d.At.Local().Format(time.DateTime), d.Level, d.Bytes, d.TookMS, status)
	}
	return nil
}
