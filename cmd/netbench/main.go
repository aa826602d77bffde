// Command netbench is a minimal driver that exercises all four measurement
// engines against one target, printing each result as it comes in. It
// contains no measurement logic of its own — everything it does is call
// into ping, trace, httpget and httppost.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/scyphus/netbench/httpget"
	"github.com/scyphus/netbench/httppost"
	"github.com/scyphus/netbench/internal/netutil"
	"github.com/scyphus/netbench/ping"
	"github.com/scyphus/netbench/trace"
)

func main() {
	var (
		target   = flag.StringP("target", "t", "localhost", "ping/traceroute target host")
		url      = flag.StringP("url", "u", "", "HTTP GET/POST target URL (skipped if empty)")
		count    = flag.IntP("count", "c", 4, "number of echo requests to send")
		maxTTL   = flag.Int("max-ttl", 30, "maximum traceroute hop count")
		postSize = flag.Int("post-size", 4096, "bytes to upload in the POST measurement")
		verbose  = flag.BoolP("verbose", "v", false, "enable debug logging")
	)
	flag.Parse()

	logCfg := zap.NewProductionConfig()
	if *verbose {
		logCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := logCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "netbench: cannot build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx := context.Background()

	if err := runPing(ctx, logger, *target, *count); err != nil {
		logger.Error("ping measurement failed", zap.Error(err))
	}
	if err := runTraceroute(ctx, logger, *target, *maxTTL); err != nil {
		logger.Error("traceroute measurement failed", zap.Error(err))
	}
	if *url != "" {
		if err := runHTTPGet(logger, *url); err != nil {
			logger.Error("http get measurement failed", zap.Error(err))
		}
		if err := runHTTPPost(logger, *url, *postSize); err != nil {
			logger.Error("http post measurement failed", zap.Error(err))
		}
	}
}

func runPing(ctx context.Context, logger *zap.Logger, target string, count int) error {
	logger.Info("starting ping", zap.String("target", target))
	e, err := ping.Open(netutil.IPv4, ping.WithLogger(logger))
	if err != nil {
		return err
	}
	defer e.Close()

	e.SetCallback(func(_ *ping.Engine, seq int, rtt float64) {
		logger.Info("ping reply", zap.Int("seq", seq), zap.Float64("rtt_ms", rtt*1000))
	})

	return e.Exec(ctx, target, 56, count, time.Second, 3*time.Second)
}

func runTraceroute(ctx context.Context, logger *zap.Logger, target string, maxTTL int) error {
	logger.Info("starting traceroute", zap.String("target", target))
	e := trace.New(trace.WithLogger(logger))
	defer e.Close()

	e.SetCallback(func(_ *trace.Engine, ttl int, saddr net.IP, rtt float64) {
		logger.Info("hop", zap.Int("ttl", ttl), zap.String("saddr", saddr.String()), zap.Float64("rtt_ms", rtt*1000))
	})

	return e.Exec(ctx, target, netutil.IPv4, maxTTL, 5*time.Second)
}

func runHTTPGet(logger *zap.Logger, url string) error {
	logger.Info("starting http get", zap.String("url", url))
	e := httpget.New(uuid.NewString(), httpget.WithLogger(logger))
	e.SetCallback(func(_ *httpget.Engine, hlen int, clen int64, t0, now float64, tx, rx int64) {
		logger.Info("get progress", zap.Int("header_len", hlen), zap.Int64("content_len", clen), zap.Int64("rx", rx))
	}, 500*time.Millisecond)

	return e.Exec(context.Background(), url, netutil.IPv4, 5*time.Second)
}

func runHTTPPost(logger *zap.Logger, url string, size int) error {
	logger.Info("starting http post", zap.String("url", url), zap.Int("size", size))
	e := httppost.New(uuid.NewString(), httppost.WithLogger(logger))
	e.SetCallback(func(_ *httppost.Engine, hlen int, clen int64, t0, now float64, bufTx, tx, rx int64) {
		logger.Info("post progress", zap.Int64("buffered_tx", bufTx), zap.Int64("tx", tx), zap.Int64("rx", rx))
	}, 500*time.Millisecond)

	return e.Exec(context.Background(), url, netutil.IPv4, size, 5*time.Second)
}
