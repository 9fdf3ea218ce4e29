package connectivity

import "sync"

// Quality buckets the usable bandwidth of the current connection.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
	QualityOffline   Quality = "offline"
)

// ConnectionType values reported by platform events.
const (
	ConnectionTypeWifi     = "wifi"
	ConnectionTypeEthernet = "ethernet"
	ConnectionTypeCellular = "cellular"
	ConnectionTypeUnknown  = "unknown"
	ConnectionTypeNone     = "none"
)

const lowBatteryThreshold = 20

// Status is the current connectivity picture. It is recomputed on every
// platform event and never persisted.
type Status struct {
	IsOnline       bool
	Quality        Quality
	ConnectionType string
	BatteryLevel   *int
	IsCharging     bool
}

// Event carries a platform-level connectivity or battery notification.
type Event struct {
	Online         bool
	ConnectionType string
	BatteryLevel   *int
	IsCharging     bool
}

// Monitor tracks online/offline transitions and notifies subscribers. It
// performs no network calls of its own; platform events are fed in through
// Report.
type Monitor struct {
	mu          sync.Mutex
	status      Status
	subscribers map[int64]func(Status)
	nextID      int64
}

// NewMonitor returns a monitor that starts offline until the first event.
func NewMonitor() *Monitor {
	return &Monitor{
		status: Status{
			IsOnline:       false,
			Quality:        QualityOffline,
			ConnectionType: ConnectionTypeNone,
		},
		subscribers: make(map[int64]func(Status)),
	}
}

// Status returns the current connectivity status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Subscribe registers a callback invoked synchronously on every status
// change. The returned function removes the subscription.
func (m *Monitor) Subscribe(callback func(Status)) func() {
	if callback == nil {
		return func() {}
	}
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subscribers[id] = callback
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}

// Report recomputes the status from a platform event. Subscribers are
// invoked at most once per event; an event that leaves the status unchanged
// notifies nobody.
func (m *Monitor) Report(event Event) Status {
	next := deriveStatus(event)

	m.mu.Lock()
	if statusEqual(m.status, next) {
		m.mu.Unlock()
		return next
	}
	m.status = next
	callbacks := make([]func(Status), 0, len(m.subscribers))
	for _, callback := range m.subscribers {
		callbacks = append(callbacks, callback)
	}
	m.mu.Unlock()

	for _, callback := range callbacks {
		callback(next)
	}
	return next
}

func deriveStatus(event Event) Status {
	status := Status{
		IsOnline:       event.Online,
		ConnectionType: event.ConnectionType,
		IsCharging:     event.IsCharging,
	}
	if event.BatteryLevel != nil {
		level := *event.BatteryLevel
		status.BatteryLevel = &level
	}
	if status.ConnectionType == "" {
		status.ConnectionType = ConnectionTypeUnknown
	}
	status.Quality = deriveQuality(status)
	return status
}

func deriveQuality(status Status) Quality {
	if !status.IsOnline {
		return QualityOffline
	}
	switch status.ConnectionType {
	case ConnectionTypeWifi, ConnectionTypeEthernet:
		// A draining battery sheds load even on a strong link. A nil
		// battery level means the platform has no battery API and must
		// never count as low.
		if status.BatteryLevel != nil && *status.BatteryLevel < lowBatteryThreshold && !status.IsCharging {
			return QualityGood
		}
		return QualityExcellent
	case ConnectionTypeCellular:
		return QualityGood
	default:
		return QualityPoor
	}
}

func statusEqual(a, b Status) bool {
	if a.IsOnline != b.IsOnline || a.Quality != b.Quality || a.ConnectionType != b.ConnectionType || a.IsCharging != b.IsCharging {
		return false
	}
	if (a.BatteryLevel == nil) != (b.BatteryLevel == nil) {
		return false
	}
	if a.BatteryLevel != nil && *a.BatteryLevel != *b.BatteryLevel {
		return false
	}
	return true
}
