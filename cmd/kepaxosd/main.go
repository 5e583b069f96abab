// Command kepaxosd runs a single k-ePaxos replica: TOML config in, a TCP
// listener for peer traffic, a ristretto-backed demo store as the commit
// handler, and a Prometheus /metrics endpoint.
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cactus/go-statsd-client/statsd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logging "github.com/op/go-logging"

	"github.com/chorny/kepaxos"
	"github.com/chorny/kepaxos/internal/cache"
	"github.com/chorny/kepaxos/internal/metrics"
	"github.com/chorny/kepaxos/internal/transport"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("kepaxosd")
}

func main() {
	configPath := flag.String("config", "kepaxosd.toml", "path to TOML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		logger.Fatalf("kepaxosd: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	myName := cfg.Peers[cfg.MyIndex].Name

	sink, err := buildMetricsSink(cfg)
	if err != nil {
		return err
	}

	store, err := cache.New(cfg.CacheMaxKeys)
	if err != nil {
		return err
	}
	defer store.Close()

	tcp := transport.New(cfg.peerAddrs(), 2*time.Second)

	replica, err := kepaxos.New(kepaxos.Config{
		Peers:   cfg.peerNames(),
		MyIndex: cfg.MyIndex,
		Timeout: cfg.timeout(),
		LogPath: cfg.LogPath,
		Send:    tcp.Send,
		Commit:  store.Apply,
		Metrics: sink,
	})
	if err != nil {
		return err
	}
	defer replica.Close()

	closer, err := tcp.Listen(cfg.ListenAddr, dispatcher{replica})
	if err != nil {
		return err
	}
	defer closer.Close()

	reg := prometheus.NewRegistry()
	gauges := metrics.NewGauges(reg, myName)
	stopGauges := startGaugeLoop(replica, gauges, 2*time.Second)
	defer close(stopGauges)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("metrics server: %v", err)
			}
		}()
		defer srv.Close()
	}

	logger.Infof("kepaxosd %s listening on %s (advertised as %s)", myName, cfg.ListenAddr, cfg.Peers[cfg.MyIndex].Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")
	return nil
}

// dispatcher adapts *kepaxos.Replica to transport.Dispatcher, forwarding
// the messages the transport has already decoded to Dispatch.
type dispatcher struct {
	r *kepaxos.Replica
}

func (d dispatcher) Dispatch(msg *kepaxos.Message) {
	d.r.Dispatch(msg)
}

func buildMetricsSink(cfg fileConfig) (*metrics.Sink, error) {
	if cfg.StatsdAddr == "" {
		return metrics.NewSink(nil), nil
	}
	client, err := statsd.NewClient(cfg.StatsdAddr, "kepaxos")
	if err != nil {
		return nil, err
	}
	return metrics.NewSink(client), nil
}

func startGaugeLoop(r *kepaxos.Replica, g *metrics.Gauges, interval time.Duration) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				g.CommandTableSize.Set(float64(r.TableSize()))
				g.CurrentBallot.Set(float64(r.Ballot().Value()))
				if n, err := r.LogEntryCount(); err == nil {
					g.LogEntries.Set(float64(n))
				}
			}
		}
	}()
	return stop
}
