package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"sync"
	"time"
)

const (
	NumActiveClients  = "NumActiveClients"
	NumActiveRooms    = "NumActiveRooms"
	NumMessagesSent   = "NumMessagesSent"
	NumTypingSignals  = "NumTypingSignals"
	NumBookingUpdates = "NumBookingUpdates"

	// NumDroppedUpdates counts updates discarded because the queue was full.
	NumDroppedUpdates = "NumDroppedUpdates"
)

const updateQueueSize = 512

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	Run()
}

// StatsUpdater publishes counters on /debug/vars. Updates are applied by a
// single goroutine; callers on hot paths never wait for it.
type StatsUpdater struct {
	vars     *expvar.Map
	dropped  *expvar.Int
	updates  chan metricUpdate
	done     chan struct{}
	stopOnce sync.Once
}

type metricUpdate struct {
	name  string
	delta int64
}

// NewStatsUpdater creates a stats updater and mounts its handler on mux.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		updates: make(chan metricUpdate, updateQueueSize),
		done:    make(chan struct{}),
		vars:    new(expvar.Map).Init(),
		dropped: new(expvar.Int),
	}
	mux.Handle("GET /debug/vars", http.HandlerFunc(su.serveVars))

	startedAt := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startedAt).Milliseconds()
	}))
	su.vars.Set(NumDroppedUpdates, su.dropped)

	return su
}

func (su *StatsUpdater) serveVars(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	out := make(map[string]json.RawMessage)
	su.vars.Do(func(kv expvar.KeyValue) {
		out[kv.Key] = json.RawMessage(kv.Value.String())
	})

	json.NewEncoder(w).Encode(out)
}

func (su *StatsUpdater) apply() {
	for {
		select {
		case u := <-su.updates:
			if metric, ok := su.vars.Get(u.name).(*expvar.Int); ok {
				metric.Add(u.delta)
			}
		case <-su.done:
			return
		}
	}
}

func (su *StatsUpdater) queue(name string, delta int64) {
	select {
	case <-su.done:
		return
	default:
	}

	select {
	case su.updates <- metricUpdate{name: name, delta: delta}:
	default:
		su.dropped.Add(1)
	}
}

func (su *StatsUpdater) Incr(name string) { su.queue(name, 1) }

func (su *StatsUpdater) Decr(name string) { su.queue(name, -1) }

// RegisterMetric adds a counter starting at zero. Registering a name twice
// keeps the existing counter.
func (su *StatsUpdater) RegisterMetric(name string) {
	if su.vars.Get(name) != nil {
		return
	}
	su.vars.Set(name, new(expvar.Int))
}

func (su *StatsUpdater) Run() {
	go su.apply()
}

// Stop ends the update goroutine. Updates queued after Stop are dropped.
func (su *StatsUpdater) Stop() {
	su.stopOnce.Do(func() {
		close(su.done)
	})
}
