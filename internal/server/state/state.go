// Package state holds everything a partition knows: element instances, variables, deployed
// processes and the subscription tables. All mutations happen inside a transaction opened with
// Begin; Rollback restores the state as it was before Begin.
package state

import (
	"fmt"
	"sync"

	"github.com/davecgh/go-spew/spew"
	"github.com/vmihailenco/msgpack/v5"
	"gitlab.com/shar-workflow/shar-scopes/common/document"
	"gitlab.com/shar-workflow/shar-scopes/common/version"
	"gitlab.com/shar-workflow/shar-scopes/model"
	"gitlab.com/shar-workflow/shar-scopes/server/errors"
	"gitlab.com/shar-workflow/shar-scopes/server/services/cache"
)

// State is the partition state.
type State struct {
	// mu is held from Begin until Commit or Rollback. Only the processing goroutine writes state.
	mu        sync.Mutex
	journal   *Journal
	processed int64
	cursor    int64

	Keys        *KeyGenerator
	Instances   *ElementInstanceDirectory
	Variables   *VariableScopeStore
	Deployments *Deployments
	Incidents   *Incidents
	Timers      *Timers
	Messages    *MessageSubscriptions
	Triggers    *EventTriggers
	Results     *AwaitingResults
}

// New creates an empty partition state. Decoded process definitions are served through c.
func New(c *cache.Cache) *State {
	j := &Journal{}
	keys := &KeyGenerator{j: j}
	return &State{
		journal:     j,
		Keys:        keys,
		Instances:   newElementInstanceDirectory(j),
		Variables:   newVariableScopeStore(j, keys),
		Deployments: newDeployments(j, c),
		Incidents:   newIncidents(j),
		Timers:      newTimers(j),
		Messages:    newMessageSubscriptions(j),
		Triggers:    newEventTriggers(j),
		Results:     newAwaitingResults(j),
	}
}

// Begin opens the transaction for one log record.
func (s *State) Begin() {
	s.mu.Lock()
	s.journal.Begin()
}

// Commit makes the changes of the current transaction permanent and records the log position
// of the processed record and of the last follow-up record verified or written for it.
func (s *State) Commit(processed int64, cursor int64) {
	s.journal.Commit()
	s.processed = processed
	s.cursor = cursor
	s.mu.Unlock()
}

// Rollback discards the changes of the current transaction.
func (s *State) Rollback() {
	s.journal.Rollback()
	s.mu.Unlock()
}

// Positions returns the position of the last processed record and of the last follow-up record.
func (s *State) Positions() (processed int64, cursor int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed, s.cursor
}

type snapshot struct {
	Version   string `msgpack:"version"`
	Processed int64  `msgpack:"processed"`
	Cursor    int64  `msgpack:"cursor"`
	NextKey   int64  `msgpack:"nextKey"`

	Instances map[int64]model.ElementInstance `msgpack:"instances"`
	Children  map[int64][]int64               `msgpack:"children"`

	Scopes map[int64]variableScope       `msgpack:"scopes"`
	Vars   map[int64]map[string]variable `msgpack:"vars"`
	Temps  map[int64][]byte              `msgpack:"temps"`

	Definitions map[int64][]byte `msgpack:"definitions"`
	Latest      map[string]int64 `msgpack:"latest"`
	Versions    map[string]int32 `msgpack:"versions"`

	Incidents          map[int64]model.IncidentValue `msgpack:"incidents"`
	IncidentsByElement map[int64][]int64             `msgpack:"incidentsByElement"`

	Timers          map[int64]model.TimerValue `msgpack:"timers"`
	TimersByElement map[int64][]int64          `msgpack:"timersByElement"`

	Subscriptions          map[int64]model.MessageSubscriptionValue `msgpack:"subs"`
	SubscriptionsByElement map[int64][]int64                        `msgpack:"subsByElement"`
	StartLocks             map[string]int64                         `msgpack:"startLocks"`
	LockOf                 map[int64]string                         `msgpack:"lockOf"`
	Buffered               map[string][]model.MessageValue          `msgpack:"buffered"`

	Triggers map[int64][]EventTrigger `msgpack:"triggers"`
	Awaiting map[int64]string         `msgpack:"awaiting"`
}

// Snapshot encodes the whole state.
func (s *State) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := document.Encode(s.snapshotLocked())
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return b, nil
}

// Dump renders the whole state as stable text, map keys sorted.
func (s *State) Dump() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := spew.ConfigState{Indent: "  ", SortKeys: true, DisablePointerAddresses: true, DisableCapacities: true}
	return cfg.Sdump(s.snapshotLocked())
}

func (s *State) snapshotLocked() *snapshot {
	return &snapshot{
		Version:                version.Version,
		Processed:              s.processed,
		Cursor:                 s.cursor,
		NextKey:                s.Keys.next,
		Instances:              s.Instances.instances,
		Children:               s.Instances.children,
		Scopes:                 s.Variables.scopes,
		Vars:                   s.Variables.vars,
		Temps:                  s.Variables.temps,
		Definitions:            s.Deployments.encoded,
		Latest:                 s.Deployments.latest,
		Versions:               s.Deployments.versions,
		Incidents:              s.Incidents.incidents,
		IncidentsByElement:     s.Incidents.byElement,
		Timers:                 s.Timers.timers,
		TimersByElement:        s.Timers.byElement,
		Subscriptions:          s.Messages.subs,
		SubscriptionsByElement: s.Messages.byElement,
		StartLocks:             s.Messages.startLocks,
		LockOf:                 s.Messages.lockOf,
		Buffered:               s.Messages.buffered,
		Triggers:               s.Triggers.triggers,
		Awaiting:               s.Results.requests,
	}
}

// Restore replaces the state with a snapshot. Snapshots written by an incompatible engine
// version are refused and leave the state untouched.
func (s *State) Restore(b []byte) error {
	snap := &snapshot{}
	if err := msgpack.Unmarshal(b, snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	ok, err := version.Compatible(version.Version, snap.Version)
	if err != nil {
		return fmt.Errorf("check snapshot version: %w", err)
	}
	if !ok {
		return fmt.Errorf("snapshot version %s, engine version %s: %w", snap.Version, version.Version, errors.ErrIncompatibleSnapshot)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed = snap.Processed
	s.cursor = snap.Cursor
	s.Keys.next = snap.NextKey
	s.Instances.instances = orEmpty(snap.Instances)
	s.Instances.children = orEmpty(snap.Children)
	s.Variables.scopes = orEmpty(snap.Scopes)
	s.Variables.vars = orEmpty(snap.Vars)
	s.Variables.temps = orEmpty(snap.Temps)
	s.Deployments.encoded = orEmpty(snap.Definitions)
	s.Deployments.latest = orEmpty(snap.Latest)
	s.Deployments.versions = orEmpty(snap.Versions)
	s.Incidents.incidents = orEmpty(snap.Incidents)
	s.Incidents.byElement = orEmpty(snap.IncidentsByElement)
	s.Timers.timers = orEmpty(snap.Timers)
	s.Timers.byElement = orEmpty(snap.TimersByElement)
	s.Messages.subs = orEmpty(snap.Subscriptions)
	s.Messages.byElement = orEmpty(snap.SubscriptionsByElement)
	s.Messages.startLocks = orEmpty(snap.StartLocks)
	s.Messages.lockOf = orEmpty(snap.LockOf)
	s.Messages.buffered = orEmpty(snap.Buffered)
	s.Triggers.triggers = orEmpty(snap.Triggers)
	s.Results.requests = orEmpty(snap.Awaiting)
	return nil
}

func orEmpty[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return make(map[K]V)
	}
	return m
}
