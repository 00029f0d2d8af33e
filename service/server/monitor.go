package server

import (
	"log/slog"
	"sync"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
)

var monitor *Monitor

// Monitor keeps API and Dispatcher stats.
type Monitor struct {
	sync.Mutex
	writesHandled int
	eventsQueued  int
	connsDropped  int
	writeDur      *movingaverage.MovingAverage
	stopCh        chan struct{}
}

// WriteHandled updates the durable write handling duration metric.
func (m *Monitor) WriteHandled(dur time.Duration) {
	m.Lock()
	defer m.Unlock()

	m.writeDur.Add(float64(dur/time.Microsecond) / 1000.0)
	m.writesHandled++
}

// EventEmitted increments the broadcast delivery metrics.
func (m *Monitor) EventEmitted(queued, dropped int) {
	m.Lock()
	defer m.Unlock()

	m.eventsQueued += queued
	m.connsDropped += dropped
}

// Start starts the Monitor worker.
func (m *Monitor) Start() {
	m.Lock()
	defer m.Unlock()

	if m.stopCh != nil {
		return
	}

	m.stopCh = make(chan struct{})
	go m.worker(m.stopCh)
}

// Stop stops the Monitor worker.
func (m *Monitor) Stop() {
	m.Lock()
	defer m.Unlock()

	if m.stopCh == nil {
		return
	}

	close(m.stopCh)
	m.stopCh = nil
}

// worker does the actual job.
func (m *Monitor) worker(stopCh chan struct{}) {
	const period = 5 * time.Second

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			// Stop the monitor
			return
		case <-ticker.C:
			// Print the report
			m.Lock()

			writesPerSec := float64(m.writesHandled) / (float64(period) / float64(time.Second))
			emitsPerSec := float64(m.eventsQueued) / (float64(period) / float64(time.Second))
			slog.Info("Monitor",
				"writesPerSec", writesPerSec,
				"emitsPerSec", emitsPerSec,
				"slowConnsDropped", m.connsDropped,
				"writeDurMs", m.writeDur.Avg(),
			)
			m.writesHandled = 0
			m.eventsQueued = 0
			m.connsDropped = 0

			m.Unlock()
		}
	}
}

func init() {
	monitor = &Monitor{
		writeDur: movingaverage.New(5),
	}
}
