// Command echo-server runs an Echo provider advertised in etcd.
package main

import (
	"context"
	"flag"
	"os"
	"strings"

	"poolrpc/codec"
	"poolrpc/echo"
	"poolrpc/log"
	"poolrpc/middleware"
	"poolrpc/registry"
	"poolrpc/server"
)

var (
	etcdEndpoints = flag.String("etcd", "127.0.0.1:2379", "comma separated etcd endpoints")
	sessionTTL    = flag.Int("session-ttl", 12, "registry session TTL in seconds")
	port          = flag.Int("port", 8080, "port to listen on")
	advertise     = flag.String("advertise", "", "host to advertise; empty resolves a site-local address")
	root          = flag.String("root", registry.DefaultRoot, "registry root")
	protocol      = flag.String("protocol", "compact", "wire protocol: json, binary or compact")
	ioThreads     = flag.Int("io-threads", 2, "connection goroutines")
	acceptQueue   = flag.Int("accept-queue", 4, "accepted connections queued per io thread")
	workers       = flag.Int("workers", 0, "max concurrent requests, 0 is unbounded")
	rateLimit     = flag.Float64("rate", 0, "requests per second, 0 disables limiting")
	timeout       = flag.Duration("timeout", 0, "per request timeout, 0 disables it")
)

func main() {
	flag.Parse()
	logger := log.FromContext(context.Background())

	proto, err := codec.ParseCodecType(*protocol)
	if err != nil {
		logger.Fatal(err)
	}

	reg, err := registry.NewEtcdRegistry(registry.EtcdConfig{
		Endpoints:  strings.Split(*etcdEndpoints, ","),
		SessionTTL: *sessionTTL,
	})
	if err != nil {
		logger.Fatalf("connect etcd: %v", err)
	}
	defer reg.Shutdown()

	cfg := server.DefaultConfig()
	cfg.Port = *port
	cfg.AdvertiseHost = *advertise
	cfg.Root = *root
	cfg.Engine.Protocol = proto
	cfg.Engine.IOThreads = *ioThreads
	cfg.Engine.AcceptQueue = *acceptQueue
	cfg.Engine.Workers = *workers

	srv := server.New(cfg, reg, map[string]server.Handler{
		echo.ServiceName: echo.NewHandler(echo.Impl{}),
	})
	if *timeout > 0 {
		srv.Use(middleware.TimeOutMiddleware(*timeout))
	}
	srv.Use(middleware.LoggingMiddleware())
	srv.Use(middleware.RecoveryMiddleware())
	if *rateLimit > 0 {
		srv.Use(middleware.RateLimitMiddleware(*rateLimit, int(*rateLimit)+1))
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Errorf("server: %v", err)
		log.Zap().Sync()
		os.Exit(1)
	}
}
