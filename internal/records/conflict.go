package records

import "github.com/MarcoPoloResearchLab/shiftsync/internal/syncer"

// resolveChange decides whether change may overwrite the stored payload and returns the
// payload to store (accepted) or the stored payload it conflicts with (rejected).
//
// Versioned entities need a strictly higher version unless the change leaves the
// content untouched. Other entities need an updated_at at least as recent as the stored
// one. Deletes always win and leave a tombstone.
func resolveChange(stored syncer.Payload, exists bool, change Change, appliedAt int64) (bool, syncer.Payload) {
	incoming := sanitize(change)

	if change.Operation == syncer.OperationDelete {
		if exists {
			if deleted, _ := stored.Bool(syncer.FieldDeleted); deleted {
				return true, stored
			}
		}
		tombstone := syncer.Payload{
			syncer.FieldID:        change.RecordID.String(),
			syncer.FieldUserID:    change.UserID.String(),
			syncer.FieldDeleted:   true,
			syncer.FieldUpdatedAt: appliedAt,
		}
		if version, ok := stored.Int64(syncer.FieldVersion); ok {
			tombstone[syncer.FieldVersion] = version
		}
		return true, tombstone
	}

	if !exists {
		next := incoming
		if !next.Has(syncer.FieldCreatedAt) {
			next[syncer.FieldCreatedAt] = appliedAt
		}
		if !next.Has(syncer.FieldUpdatedAt) {
			next[syncer.FieldUpdatedAt] = appliedAt
		}
		if change.Entity.Versioned() && !next.Has(syncer.FieldVersion) {
			next[syncer.FieldVersion] = int64(1)
		}
		return true, next
	}

	candidate := stored.Merge(incoming)
	delete(candidate, syncer.FieldDeleted)
	storedDeleted, _ := stored.Bool(syncer.FieldDeleted)
	if !storedDeleted && len(syncer.DiffFields(stored, candidate)) == 0 {
		return true, candidate
	}

	if change.Entity.Versioned() {
		incomingVersion, ok := incoming.Int64(syncer.FieldVersion)
		storedVersion, _ := stored.Int64(syncer.FieldVersion)
		if ok && incomingVersion > storedVersion {
			return true, candidate
		}
		return false, stored
	}

	incomingUpdatedAt, ok := incoming.Int64(syncer.FieldUpdatedAt)
	if !ok {
		candidate[syncer.FieldUpdatedAt] = appliedAt
		return true, candidate
	}
	storedUpdatedAt, _ := stored.Int64(syncer.FieldUpdatedAt)
	if incomingUpdatedAt >= storedUpdatedAt {
		return true, candidate
	}
	return false, stored
}

// sanitize drops device bookkeeping and pins the identity fields to the request.
func sanitize(change Change) syncer.Payload {
	payload := change.Payload.Clone()
	if payload == nil {
		payload = syncer.Payload{}
	}
	delete(payload, syncer.FieldIsSynced)
	delete(payload, syncer.FieldLastSynced)
	delete(payload, syncer.FieldDeleted)
	payload[syncer.FieldID] = change.RecordID.String()
	payload[syncer.FieldUserID] = change.UserID.String()
	return payload
}
