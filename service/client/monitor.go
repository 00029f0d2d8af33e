package client

import (
	"log/slog"
	"sync"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
)

var monitor *Monitor

// Monitor keeps Session stats.
type Monitor struct {
	sync.Mutex
	saveDur        *movingaverage.MovingAverage
	refetchDur     *movingaverage.MovingAverage
	diffSaves      int
	fullSaves      int
	refetches      int
	eventsReceived int
	echoesDropped  int
	stopCh         chan struct{}
}

// Saved updates the save request metrics.
func (m *Monitor) Saved(isDiff bool, dur time.Duration) {
	m.Lock()
	defer m.Unlock()

	if isDiff {
		m.diffSaves++
	} else {
		m.fullSaves++
	}
	m.saveDur.Add(float64(dur/time.Microsecond) / 1000.0)
}

// Refetched updates the fetch request metrics.
func (m *Monitor) Refetched(dur time.Duration) {
	m.Lock()
	defer m.Unlock()

	m.refetches++
	m.refetchDur.Add(float64(dur/time.Microsecond) / 1000.0)
}

// EventReceived increments the inbound broadcast events metric.
func (m *Monitor) EventReceived(echo bool) {
	m.Lock()
	defer m.Unlock()

	m.eventsReceived++
	if echo {
		m.echoesDropped++
	}
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

			perSec := func(n int) float64 {
				return float64(n) / (float64(period) / float64(time.Second))
			}
			slog.Info("Monitor",
				"diffSavesPerSec", perSec(m.diffSaves),
				"fullSavesPerSec", perSec(m.fullSaves),
				"refetchesPerSec", perSec(m.refetches),
				"eventsPerSec", perSec(m.eventsReceived),
				"echoesDropped", m.echoesDropped,
				"saveDurMs", m.saveDur.Avg(),
				"refetchDurMs", m.refetchDur.Avg(),
			)
			m.diffSaves, m.fullSaves, m.refetches = 0, 0, 0
			m.eventsReceived, m.echoesDropped = 0, 0

			m.Unlock()
		}
	}
}

func init() {
	monitor = &Monitor{
		saveDur:    movingaverage.New(5),
		refetchDur: movingaverage.New(5),
	}
}
