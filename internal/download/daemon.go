package download

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Daemon runs download sweeps on a fixed interval, with an optional
// Prometheus listener.
type Daemon struct {
	downloader  *Downloader
	interval    time.Duration
	metricsAddr string
	scheduler   *gocron.Scheduler
	httpServer  *http.Server
}

func NewDaemon(d *Downloader, interval time.Duration, metricsAddr string) *Daemon {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Daemon{
		downloader:  d,
		interval:    interval,
		metricsAddr: metricsAddr,
		scheduler:   gocron.NewScheduler(time.UTC),
	}
}

// Run sweeps once immediately, then on every interval until ctx is
// cancelled.
func (dm *Daemon) Run(ctx context.Context) error {
	if dm.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		dm.httpServer = &http.Server{Addr: dm.metricsAddr, Handler: mux}
		go func() {
			log.Printf("download: metrics listening on %s", dm.metricsAddr)
			if err := dm.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("download: metrics server: %v", err)
			}
		}()
	}

	dm.sweep(ctx)

	minutes := int(dm.interval.Minutes())
	if minutes <= 0 {
		minutes = 1
	}
	if _, err := dm.scheduler.Every(minutes).Minutes().Do(func() { dm.sweep(ctx) }); err != nil {
		return err
	}
	dm.scheduler.StartAsync()

	<-ctx.Done()
	log.Println("download: shutting down")
	dm.scheduler.Stop()

	if dm.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		dm.httpServer.Shutdown(shutdownCtx)
	}
	return nil
}

// sweep bounds each pass by the interval so a stuck remote cannot pile
// sweeps on top of each other.
func (dm *Daemon) sweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, dm.interval)
	defer cancel()

	if err := dm.downloader.RunOnce(sweepCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("download: sweep: %v", err)
	}
}
