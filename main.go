package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Charana123/metatorrent/go-torrent/config"
	"github.com/Charana123/metatorrent/go-torrent/download"
	"github.com/Charana123/metatorrent/go-torrent/torrent"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var version = "dev"

type options struct {
	cfg         config.Config
	magnet      string
	infoHash    string
	trackers    []string
	peers       []string
	showVersion bool
}

type listFlag []string

func (l *listFlag) String() string {
	return strings.Join(*l, ",")
}

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// parseFlags parses command-line flags. Defaults come from the environment:
//   - METATORRENT__WORKERS: worker goroutines
//   - METATORRENT__PORT: port for incoming peers
//   - METATORRENT__OUTPUT: where the metadata is written
//   - METATORRENT__MAX_PEERS: peer connection limit
//   - METATORRENT__DIAL_RATE: new connections per second
//   - DEBUG: enables debug logs if set
func parseFlags(args []string) options {
	def := config.FromEnv()
	opts := options{cfg: def}

	fs := flag.NewFlagSet("metatorrent", flag.ExitOnError)
	fs.StringVar(&opts.magnet, "magnet", "", "magnet link to fetch metadata for")
	fs.StringVar(&opts.infoHash, "infohash", "", "info hash (hex or base32) when no magnet link is given")
	trackers := &listFlag{}
	fs.Var(trackers, "tracker", "UDP tracker url, may be repeated")
	peers := &listFlag{}
	fs.Var(peers, "peer", "peer host:port to dial directly, may be repeated")

	fs.IntVar(&opts.cfg.Workers, "workers", def.Workers, "worker goroutines [env METATORRENT__WORKERS]")
	fs.IntVar(&opts.cfg.Port, "port", def.Port, "port to accept peers on [env METATORRENT__PORT]")
	fs.IntVar(&opts.cfg.Port, "p", def.Port, "alias to -port")
	fs.StringVar(&opts.cfg.Output, "output", def.Output, "metadata output file [env METATORRENT__OUTPUT]")
	fs.StringVar(&opts.cfg.Output, "o", def.Output, "alias to -output")
	fs.IntVar(&opts.cfg.MaxPeers, "max-peers", def.MaxPeers, "peer connection limit [env METATORRENT__MAX_PEERS]")
	dialRate := fs.Float64("dial-rate", float64(def.DialRate), "new peer connections per second [env METATORRENT__DIAL_RATE]")
	fs.BoolVar(&opts.cfg.Debug, "debug", def.Debug, "enable debug logs [env DEBUG]")
	fs.BoolVar(&opts.cfg.Debug, "d", def.Debug, "alias to -debug")
	fs.BoolVar(&opts.showVersion, "version", false, "print version")
	fs.BoolVar(&opts.showVersion, "v", false, "alias to -version")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "\nmetatorrent: %s\nFetches torrent metadata from a swarm\n\n", version)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\n")
	}

	//nolint:errcheck // ExitOnError
	_ = fs.Parse(args)

	opts.cfg.DialRate = rate.Limit(*dialRate)
	opts.trackers = *trackers
	opts.peers = *peers
	return opts
}

// target resolves the info hash and tracker list from the options.
func target(opts options) ([20]byte, []string, error) {
	if opts.magnet != "" {
		m, err := torrent.ParseMagnet(opts.magnet)
		if err != nil {
			return [20]byte{}, nil, err
		}
		return m.InfoHash, append(m.Trackers, opts.trackers...), nil
	}
	h, err := torrent.ParseInfoHash(opts.infoHash)
	return h, opts.trackers, err
}

func main() {
	opts := parseFlags(os.Args[1:])
	if opts.showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if opts.cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	infoHash, trackers, err := target(opts)
	if err != nil {
		logrus.WithError(err).Fatal("nothing to fetch")
	}

	d, err := download.NewDownload(opts.cfg, infoHash, trackers)
	if err != nil {
		logrus.WithError(err).Fatal("could not start")
	}
	for _, p := range opts.peers {
		addr, err := net.ResolveTCPAddr("tcp4", p)
		if err != nil {
			logrus.WithError(err).WithField("peer", p).Warn("skipping peer")
			continue
		}
		d.AddPeer(addr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = d.Start(ctx)
	d.Stop()
	if err != nil && ctx.Err() == nil {
		logrus.WithError(err).Fatal("fetch failed")
	}
	if d.Info() != nil {
		fmt.Println(opts.cfg.Output)
	}
}
