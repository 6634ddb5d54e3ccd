package rules

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vigil/internal/interfaces"
)

const (
	fingerprintKeyPrefix = "fingerprint:"
	cooldownKeyPrefix    = "cooldown:"
)

// FingerprintRecord tracks occurrences of one fingerprint. Persisted
// without TTL for observability; suppression is driven by the paired
// cooldown key.
type FingerprintRecord struct {
	Hash            string    `json:"hash"`
	URL             string    `json:"url"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
	LastSeenAt      time.Time `json:"last_seen_at"`
	OccurrenceCount int       `json:"occurrence_count"`
	StatusCode      int       `json:"status_code,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// DedupResult is the outcome of a cooldown check
type DedupResult struct {
	Suppressed bool
	Reason     string
	Record     *FingerprintRecord
}

// DedupStore tracks fingerprint occurrences and cooldown timers in the
// shared KV store. The guarantee is "first occurrence sets the cooldown
// once"; concurrent duplicates may each record one extra occurrence.
type DedupStore struct {
	kv        interfaces.KVStore
	ruleStore *Store
	logger    arbor.ILogger
}

// NewDedupStore creates a dedup store over the shared KV store
func NewDedupStore(kvStore interfaces.KVStore, ruleStore *Store, logger arbor.ILogger) *DedupStore {
	return &DedupStore{
		kv:        kvStore,
		ruleStore: ruleStore,
		logger:    logger,
	}
}

// CheckDeduplication reports whether the fingerprint is inside its
// cooldown window. KV errors fail open.
func (d *DedupStore) CheckDeduplication(ctx context.Context, fp string, rule *Rule) (*DedupResult, error) {
	inCooldown, err := d.kv.Exists(ctx, cooldownKeyPrefix+fp)
	if err != nil {
		return nil, err
	}
	if !inCooldown {
		return &DedupResult{Suppressed: false}, nil
	}

	result := &DedupResult{Suppressed: true, Reason: "cooldown"}
	if record, err := d.GetRecord(ctx, fp); err == nil {
		result.Record = record
	}
	return result, nil
}

// RecordFinding upserts the fingerprint record (incrementing occurrences,
// stamping last_seen_at) and arms the cooldown with the rule's effective
// TTL. Returns the updated record; FirstSeen can be read off
// OccurrenceCount == 1.
func (d *DedupStore) RecordFinding(ctx context.Context, fp, url string, rule *Rule, status int, errMsg string) (*FingerprintRecord, error) {
	now := time.Now().UTC()

	record, err := d.GetRecord(ctx, fp)
	if err != nil {
		if !errors.Is(err, interfaces.ErrKeyNotFound) {
			return nil, err
		}
		record = &FingerprintRecord{
			Hash:        fp,
			URL:         url,
			FirstSeenAt: now,
		}
	}

	record.OccurrenceCount++
	record.LastSeenAt = now
	if status > 0 {
		record.StatusCode = status
	}
	if errMsg != "" {
		record.Error = errMsg
	}

	data, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	if err := d.kv.Set(ctx, fingerprintKeyPrefix+fp, string(data), 0); err != nil {
		return nil, err
	}

	cooldown := d.ruleStore.EffectiveCooldown(rule)
	if cooldown > 0 {
		if err := d.kv.Set(ctx, cooldownKeyPrefix+fp, now.Format(time.RFC3339), cooldown); err != nil {
			return nil, err
		}
	}

	return record, nil
}

// GetRecord loads the occurrence record for a fingerprint
func (d *DedupStore) GetRecord(ctx context.Context, fp string) (*FingerprintRecord, error) {
	data, err := d.kv.Get(ctx, fingerprintKeyPrefix+fp)
	if err != nil {
		return nil, err
	}

	var record FingerprintRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, err
	}
	return &record, nil
}
