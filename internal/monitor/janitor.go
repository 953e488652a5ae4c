package monitor

import (
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lumabridge/lumabridge/internal/bridge"
	"github.com/lumabridge/lumabridge/internal/downloader"
)

// Janitor runs the periodic maintenance jobs: sweeping abandoned request
// metadata, persisting the stats snapshot, and reporting cache pressure.
type Janitor struct {
	cron     *cron.Cron
	tracker  *Tracker
	registry *bridge.Registry
	caches   *downloader.Caches
	maxAge   time.Duration
}

// NewJanitor wires the maintenance jobs. maxAge is the metadata timeout.
func NewJanitor(tracker *Tracker, registry *bridge.Registry, caches *downloader.Caches, maxAge time.Duration) *Janitor {
	return &Janitor{
		cron:     cron.New(),
		tracker:  tracker,
		registry: registry,
		caches:   caches,
		maxAge:   maxAge,
	}
}

// Start schedules and launches the jobs.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc("@every 1m", j.sweepMetadata); err != nil {
		return err
	}
	if _, err := j.cron.AddFunc("@every 1m", j.reportPressure); err != nil {
		return err
	}
	if _, err := j.cron.AddFunc("@every 5m", j.persistStats); err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

// Stop halts the schedule and flushes a final snapshot.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	j.persistStats()
}

func (j *Janitor) sweepMetadata() {
	swept := j.registry.SweepOlderThan(j.maxAge)
	for _, id := range swept {
		j.tracker.Forget(id)
	}
	if len(swept) > 0 {
		log.Printf("[WARN] janitor: swept %d requests older than %s", len(swept), j.maxAge)
	}
}

func (j *Janitor) reportPressure() {
	base64Entries, uploadEntries := j.caches.Sizes()
	log.Printf("janitor: inflight=%d image_cache=%d upload_cache=%d",
		j.registry.Len(), base64Entries, uploadEntries)
}

func (j *Janitor) persistStats() {
	if err := j.tracker.Persist(); err != nil {
		log.Printf("[ERROR] janitor: persist stats: %v", err)
	}
}
