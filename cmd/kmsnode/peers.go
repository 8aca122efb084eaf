package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ruteri/tee-kms-handoff/interfaces"
)

// Peer is one entry of the address book shared by devnet and the operator
// commands.
type Peer struct {
	NodeID interfaces.NodeID `json:"node_id"`
	URL    string            `json:"url"`

	// OperatorURL serves the node's fetch and status endpoints.
	OperatorURL string `json:"operator_url,omitempty"`
}

func loadPeers(path string) ([]Peer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read peers file: %w", err)
	}

	var peers []Peer
	if err := json.Unmarshal(data, &peers); err != nil {
		return nil, fmt.Errorf("could not parse peers file: %w", err)
	}
	if len(peers) == 0 {
		return nil, fmt.Errorf("peers file %s lists no nodes", path)
	}
	return peers, nil
}

func savePeers(path string, peers []Peer) error {
	data, err := json.MarshalIndent(peers, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func peerURL(peers []Peer, node interfaces.NodeID) (string, bool) {
	for _, p := range peers {
		if p.NodeID == node {
			return p.URL, true
		}
	}
	return "", false
}

// defaultCommittee derives threshold and quorum for n members tolerating
// f = (n-1)/3 faulty members.
func defaultCommittee(members []interfaces.NodeID, threshold, quorum int) interfaces.Committee {
	f := (len(members) - 1) / 3
	if threshold == 0 {
		threshold = f + 1
	}
	if quorum == 0 {
		quorum = len(members) - f
	}
	return interfaces.Committee{
		Members:   members,
		Threshold: threshold,
		Quorum:    quorum,
	}
}
