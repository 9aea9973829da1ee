package syncer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Strategy selects how detected divergences are settled without human input.
type Strategy string

const (
	// StrategyRemoteWins breaks timestamp ties in favour of the remote snapshot.
	StrategyRemoteWins Strategy = "remote-wins"
	// StrategyLocalWins breaks timestamp ties in favour of the local snapshot.
	StrategyLocalWins Strategy = "local-wins"
	// StrategyManual turns every divergence into a ConflictRecord.
	StrategyManual Strategy = "manual"
)

// ParseStrategy validates raw input and returns a Strategy.
func ParseStrategy(rawInput string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(rawInput))) {
	case StrategyRemoteWins:
		return StrategyRemoteWins, nil
	case StrategyLocalWins:
		return StrategyLocalWins, nil
	case StrategyManual:
		return StrategyManual, nil
	default:
		return "", fmt.Errorf("syncer: unknown conflict strategy %q", rawInput)
	}
}

// Resolution names the snapshot a conflict is settled with.
type Resolution string

const (
	// ResolutionNone means the divergence needs a human decision.
	ResolutionNone   Resolution = ""
	ResolutionLocal  Resolution = "local"
	ResolutionRemote Resolution = "remote"
	ResolutionMerged Resolution = "merged"
)

// ParseResolution validates raw input and returns a Resolution.
func ParseResolution(rawInput string) (Resolution, error) {
	switch Resolution(strings.ToLower(strings.TrimSpace(rawInput))) {
	case ResolutionLocal:
		return ResolutionLocal, nil
	case ResolutionRemote:
		return ResolutionRemote, nil
	case ResolutionMerged:
		return ResolutionMerged, nil
	default:
		return ResolutionNone, fmt.Errorf("%w: %q", errUnknownResolution, rawInput)
	}
}

// ConflictRecord is a detected divergence between the local and remote copy of one record.
type ConflictRecord struct {
	ID         string  `json:"id"`
	Entity     Entity  `json:"entity"`
	EntityID   string  `json:"entityId"`
	LocalData  Payload `json:"localData"`
	RemoteData Payload `json:"remoteData"`
	Timestamp  int64   `json:"timestamp"`
}

// FieldChange is one field whose value differs between two snapshots.
type FieldChange struct {
	Field  string
	Local  any
	Remote any
}

var diffIgnoredFields = map[string]struct{}{
	FieldID:         {},
	FieldCreatedAt:  {},
	FieldUpdatedAt:  {},
	FieldVersion:    {},
	FieldIsSynced:   {},
	FieldLastSynced: {},
}

// DiffFields lists the fields, present in either snapshot, whose JSON encodings differ.
// Identity, timestamp, version and sync bookkeeping fields are ignored.
func DiffFields(local, remote Payload) []FieldChange {
	fields := make(map[string]struct{}, len(local)+len(remote))
	for field := range local {
		fields[field] = struct{}{}
	}
	for field := range remote {
		fields[field] = struct{}{}
	}

	changes := make([]FieldChange, 0)
	for field := range fields {
		if _, ignored := diffIgnoredFields[field]; ignored {
			continue
		}
		if jsonEqual(local[field], remote[field]) {
			continue
		}
		changes = append(changes, FieldChange{Field: field, Local: local[field], Remote: remote[field]})
	}
	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Field < changes[j].Field
	})
	return changes
}

func jsonEqual(left, right any) bool {
	leftJSON, leftErr := json.Marshal(left)
	rightJSON, rightErr := json.Marshal(right)
	if leftErr != nil || rightErr != nil {
		return false
	}
	return bytes.Equal(leftJSON, rightJSON)
}

// Decide applies the tie-break rules to a pair of snapshots of the same record.
// Identical snapshots reconcile to remote. Manual strategy never decides. Versioned
// entities compare versions first and leave equal versions undecided. Everything else
// compares updated_at, with ties going to the side the strategy favours.
func Decide(strategy Strategy, entity Entity, local, remote Payload) Resolution {
	if len(DiffFields(local, remote)) == 0 {
		return ResolutionRemote
	}
	if strategy == StrategyManual {
		return ResolutionNone
	}

	if entity.Versioned() {
		localVersion, localOK := local.Int64(FieldVersion)
		remoteVersion, remoteOK := remote.Int64(FieldVersion)
		if localOK && remoteOK {
			switch {
			case remoteVersion > localVersion:
				return ResolutionRemote
			case localVersion > remoteVersion:
				return ResolutionLocal
			default:
				return ResolutionNone
			}
		}
	}

	localUpdated, localOK := local.Int64(FieldUpdatedAt)
	remoteUpdated, remoteOK := remote.Int64(FieldUpdatedAt)
	switch {
	case localOK && remoteOK && localUpdated > remoteUpdated:
		return ResolutionLocal
	case localOK && remoteOK && remoteUpdated > localUpdated:
		return ResolutionRemote
	case localOK && !remoteOK:
		return ResolutionLocal
	case remoteOK && !localOK:
		return ResolutionRemote
	}

	if strategy == StrategyLocalWins {
		return ResolutionLocal
	}
	return ResolutionRemote
}

// conflictSet holds unresolved conflicts in detection order, at most one per record.
type conflictSet struct {
	mu      sync.Mutex
	records []ConflictRecord
}

func newConflictSet(records []ConflictRecord) *conflictSet {
	if records == nil {
		records = []ConflictRecord{}
	}
	return &conflictSet{records: records}
}

// put stores record, replacing any earlier conflict for the same record.
func (s *conflictSet) put(record ConflictRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.records[:0]
	for _, existing := range s.records {
		if existing.Entity == record.Entity && existing.EntityID == record.EntityID {
			continue
		}
		kept = append(kept, existing)
	}
	s.records = append(kept, record)
}

// take removes and returns the record with id.
func (s *conflictSet) take(id string) (ConflictRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for index, record := range s.records {
		if record.ID == id {
			s.records = append(s.records[:index], s.records[index+1:]...)
			return record, true
		}
	}
	return ConflictRecord{}, false
}

func (s *conflictSet) get(id string) (ConflictRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range s.records {
		if record.ID == id {
			return record, true
		}
	}
	return ConflictRecord{}, false
}

func (s *conflictSet) list() []ConflictRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ConflictRecord(nil), s.records...)
}

func (s *conflictSet) encode() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Marshal(s.records)
}
