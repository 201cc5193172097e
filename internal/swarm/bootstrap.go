package swarm

import (
	"encoding/json"
	"fmt"
	"os"
)

// BootstrapRecord is one entry of the persisted bootstrap peer list,
// spec.md §6's exact JSON shape.
type BootstrapRecord struct {
	Addr         string `json:"addr"`
	PeerID       string `json:"peer_id"`
	LastSuccess  int64  `json:"last_success"`
	FailureCount uint32 `json:"failure_count"`
}

// LedgerProtocol carries a ShareLedger push: an address-book mesh-based
// bootstrap mechanism, spec.md §4.7's share_ledger command.
const LedgerProtocol = "/driftmesh/ledger/1.0.0"

// ledgerPushWire is the wire shape of one ShareLedger push.
type ledgerPushWire struct {
	Entries []BootstrapRecord `json:"entries"`
}

// LoadBootstrapRecords reads a JSON array of BootstrapRecord from path,
// returning an empty slice (not an error) if the file does not exist yet.
func LoadBootstrapRecords(path string) ([]BootstrapRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read bootstrap records: %w", err)
	}
	var records []BootstrapRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse bootstrap records: %w", err)
	}
	return records, nil
}

// SaveBootstrapRecords writes records as a JSON array to path.
func SaveBootstrapRecords(path string, records []BootstrapRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal bootstrap records: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write bootstrap records: %w", err)
	}
	return nil
}

// mergeBootstrapRecord upserts a successful-contact record into records,
// keyed by peer id, updating last_success and resetting failure_count.
func mergeBootstrapRecord(records []BootstrapRecord, addr, peerID string, lastSuccess int64) []BootstrapRecord {
	for i := range records {
		if records[i].PeerID == peerID {
			records[i].Addr = addr
			records[i].LastSuccess = lastSuccess
			records[i].FailureCount = 0
			return records
		}
	}
	return append(records, BootstrapRecord{Addr: addr, PeerID: peerID, LastSuccess: lastSuccess})
}
