// Command echo-client drives load against the Echo providers found in etcd.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"poolrpc/client"
	"poolrpc/codec"
	"poolrpc/echo"
	"poolrpc/log"
	"poolrpc/registry"
	"poolrpc/retry"
	"poolrpc/transport"
)

var (
	etcdEndpoints = flag.String("etcd", "127.0.0.1:2379", "comma separated etcd endpoints")
	root          = flag.String("root", registry.DefaultRoot, "registry root")
	protocol      = flag.String("protocol", "compact", "wire protocol: json, binary or compact")
	maxConns      = flag.Int("max-conns", 20, "pooled connections per service")
	callers       = flag.Int("c", 4, "concurrent callers")
	calls         = flag.Int("n", 100, "calls per caller")
	maxRetry      = flag.Int("attempts", 5, "attempts per call, 0 retries temporary failures forever")
	msg           = flag.String("msg", "hello", "message to send")
)

func main() {
	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger := log.FromContext(ctx)

	proto, err := codec.ParseCodecType(*protocol)
	if err != nil {
		logger.Fatal(err)
	}
	reg, err := registry.NewEtcdRegistry(registry.EtcdConfig{Endpoints: strings.Split(*etcdEndpoints, ",")})
	if err != nil {
		logger.Fatalf("connect etcd: %v", err)
	}
	defer reg.Shutdown()

	cfg := client.DefaultConfig()
	cfg.Root = *root
	cfg.Protocol = proto
	cfg.Pool = transport.PoolConfig{MaxTotal: *maxConns, MaxIdle: *maxConns}
	c := client.New(reg, cfg)
	defer c.Close()

	p, err := c.Proxy(ctx, echo.ServiceName)
	if err != nil {
		logger.Fatalf("proxy: %v", err)
	}
	svc := echo.NewClient(p)
	policy := retry.Policy{MaxRetry: *maxRetry, BaseDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second}

	var ok, failed atomic.Int64
	start := time.Now()
	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < *callers; i++ {
		eg.Go(func() error {
			for j := 0; j < *calls; j++ {
				err := policy.Do(ctx, func() error {
					_, err := svc.Upper(ctx, fmt.Sprintf("%s %d-%d", *msg, i, j))
					if client.Temporary(err) {
						return retry.Retriable(err)
					}
					return err
				})
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if err != nil {
					failed.Add(1)
					logger.Warnf("caller %d: %v", i, err)
					continue
				}
				ok.Add(1)
			}
			return nil
		})
	}
	err = eg.Wait()
	elapsed := time.Since(start)
	logger.Infof("%d ok, %d failed in %v (%.0f calls/s)", ok.Load(), failed.Load(), elapsed,
		float64(ok.Load())/elapsed.Seconds())
	if err != nil || failed.Load() > 0 {
		logger.Sync()
		os.Exit(1)
	}
}
