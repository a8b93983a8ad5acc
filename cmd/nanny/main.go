// Command nanny registers this host (or n simulated servers) under the
// monitor path and keeps the records fresh until interrupted.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/babysitter/discovery"
	"github.com/ryandielhenn/babysitter/internal/config"
	"github.com/ryandielhenn/babysitter/internal/logging"
	"github.com/ryandielhenn/babysitter/pkg/model"
)

func main() {
	flags := config.RegisterFlags(flag.CommandLine)
	n := flag.Int("n", 1, "simulated servers")
	conc := flag.Int("c", 8, "registration concurrency")
	suffix := flag.String("suffix", "", "node name suffix, the node is named hostname_suffix")
	port := flag.Int("port", 8080, "port of the monitored server")
	ttl := flag.Int("ttl", 5, "heartbeat interval in seconds, also published as the record ttl")
	typ := flag.String("type", "simpleserver", "server type")
	desc := flag.String("desc", "", "server description")
	flag.Parse()

	cfg, err := config.Load(*flags.ConfigPath, flags)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "nanny: %v\n", err)
		os.Exit(2)
	}
	log, err := logging.New(cfg.Logging.Format, cfg.Logging.Verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nanny: %v\n", err)
		os.Exit(2)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, cfg.SessionTimeout())
	store, err := discovery.Open(dialCtx, cfg.Coordination, log)
	cancel()
	if err != nil {
		log.Fatal("cannot open coordination store", zap.Error(err))
	}
	defer store.Close()

	hostname, _ := os.Hostname()
	ip := localIP()
	interval := time.Duration(*ttl) * time.Second

	wg := sync.WaitGroup{}
	sem := make(chan struct{}, max(*conc, 1))
	start := time.Now()
	for i := 0; i < *n; i++ {
		name := nodeName(hostname, *suffix, i, *n)
		s := model.NewServer(model.NewServerAddress(name, ip), *port, *ttl)
		s.Type = *typ
		s.Description = *desc
		if s.Description == "" {
			s.Description = "nanny for " + name
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			path, err := discovery.RegisterServer(ctx, store, cfg.Coordination.MonitorPath, s)
			<-sem
			if err != nil {
				log.Error("registration failed", zap.String("server", name), zap.Error(err))
				return
			}
			log.Info("registered", zap.String("path", path))
			err = discovery.Heartbeat(ctx, store, path, s, interval, payload, log)
			if ctx.Err() == nil {
				log.Error("heartbeat stopped", zap.String("server", name), zap.Error(err))
			}
		}()
	}
	log.Info("registration queued", zap.Int("servers", *n), zap.Duration("elapsed", time.Since(start)))
	wg.Wait()
}

// nodeName follows hostname[_suffix]; simulated servers get an index.
func nodeName(hostname, suffix string, i, n int) string {
	name := hostname
	if suffix != "" {
		name += "_" + suffix
	}
	if n > 1 {
		name = fmt.Sprintf("%s_%d", name, i)
	}
	return name
}

func payload() []byte {
	b, _ := json.Marshal(map[string]string{"time": time.Now().UTC().Format(time.RFC3339)})
	return b
}

func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
