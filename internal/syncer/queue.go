package syncer

import (
	"encoding/json"
	"sync"
)

// operationQueue is the ordered list of pending operations. Every method holds mu for its
// whole read-modify-write so callers never observe a half-applied change.
type operationQueue struct {
	mu         sync.Mutex
	operations []Operation
	inFlight   map[string]struct{}
}

func newOperationQueue(operations []Operation) *operationQueue {
	if operations == nil {
		operations = []Operation{}
	}
	return &operationQueue{
		operations: operations,
		inFlight:   make(map[string]struct{}),
	}
}

// add appends operation, or folds an update into an earlier create/update for the same
// record that is not part of the running drain. It returns the id of the entry that now
// carries the mutation and whether a fold happened.
func (q *operationQueue) add(operation Operation) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if operation.Type == OperationUpdate {
		for index := len(q.operations) - 1; index >= 0; index-- {
			existing := q.operations[index]
			if existing.Entity != operation.Entity || existing.EntityID() != operation.EntityID() {
				continue
			}
			if _, running := q.inFlight[existing.ID]; running {
				break
			}
			if existing.Type == OperationDelete {
				break
			}
			existing.Data = existing.Data.Merge(operation.Data)
			q.operations[index] = existing
			return existing.ID, true
		}
	}

	q.operations = append(q.operations, operation.clone())
	return operation.ID, false
}

// beginDrain snapshots the queue and marks the snapshot as in flight.
func (q *operationQueue) beginDrain() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	snapshot := make([]Operation, 0, len(q.operations))
	for _, operation := range q.operations {
		snapshot = append(snapshot, operation.clone())
		q.inFlight[operation.ID] = struct{}{}
	}
	return snapshot
}

func (q *operationQueue) endDrain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight = make(map[string]struct{})
}

// incrementRetry bumps the retry counter of id in the live queue and returns the new value.
func (q *operationQueue) incrementRetry(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	for index := range q.operations {
		if q.operations[index].ID == id {
			q.operations[index].RetryCount++
			return q.operations[index].RetryCount
		}
	}
	return 0
}

// remove drops every listed id and returns the removed operations in queue order.
func (q *operationQueue) remove(ids map[string]struct{}) []Operation {
	if len(ids) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.operations[:0]
	removed := make([]Operation, 0, len(ids))
	for _, operation := range q.operations {
		if _, drop := ids[operation.ID]; drop {
			removed = append(removed, operation)
			continue
		}
		kept = append(kept, operation)
	}
	q.operations = kept
	return removed
}

// dropFor removes the operations for one record that are not part of the running drain
// and returns them in queue order.
func (q *operationQueue) dropFor(entity Entity, entityID string) []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.operations[:0]
	var dropped []Operation
	for _, operation := range q.operations {
		_, running := q.inFlight[operation.ID]
		if !running && operation.Entity == entity && operation.EntityID() == entityID {
			dropped = append(dropped, operation)
			continue
		}
		kept = append(kept, operation)
	}
	q.operations = kept
	return dropped
}

// hasOtherFor reports whether an operation other than excludeID targets the record.
func (q *operationQueue) hasOtherFor(entity Entity, entityID string, excludeID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, operation := range q.operations {
		if operation.ID == excludeID {
			continue
		}
		if operation.Entity == entity && operation.EntityID() == entityID {
			return true
		}
	}
	return false
}

func (q *operationQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.operations)
}

func (q *operationQueue) list() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	copies := make([]Operation, 0, len(q.operations))
	for _, operation := range q.operations {
		copies = append(copies, operation.clone())
	}
	return copies
}

func (q *operationQueue) encode() ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return json.Marshal(q.operations)
}

// decodeOperations parses a persisted queue. Entries that fail validation are skipped.
func decodeOperations(raw string) ([]Operation, error) {
	var decoded []Operation
	if err := decodeJSON(raw, &decoded); err != nil {
		return nil, err
	}
	operations := make([]Operation, 0, len(decoded))
	for _, operation := range decoded {
		if validateOperation(operation.Type, operation.Entity, operation.Data) != nil {
			continue
		}
		operations = append(operations, operation)
	}
	return operations, nil
}
