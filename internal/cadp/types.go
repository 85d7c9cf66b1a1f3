/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package cadp

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TrustLevel gates what a peer may contribute to local discovery state.
type TrustLevel string

const (
	TrustUntrusted TrustLevel = "untrusted"
	TrustPartial   TrustLevel = "partial"
	TrustFull      TrustLevel = "full"
)

// PeerStatus is the observed health of a mesh member.
type PeerStatus string

const (
	PeerConnected    PeerStatus = "connected"
	PeerDisconnected PeerStatus = "disconnected"
	PeerSyncing      PeerStatus = "syncing"
	PeerError        PeerStatus = "error"
)

var (
	// ErrPeerLimit is returned by AddPeer once maxPeers is reached.
	ErrPeerLimit = errors.New("peer limit reached")
	// ErrDuplicatePeer is returned by AddPeer for an already-known URL.
	ErrDuplicatePeer = errors.New("peer with this URL already exists")
	// ErrPeerNotFound is returned for operations on unknown peer ids.
	ErrPeerNotFound = errors.New("peer not found")
	// ErrRecordInvalid is returned by Register for records without an agent id.
	ErrRecordInvalid = errors.New("record requires an agent id")
)

// Metadata keys stamped on records that arrived through the mesh.
const (
	MetaFederatedFrom   = "_federatedFrom"
	MetaFederatedAt     = "_federatedAt"
	MetaFederatedLookup = "_federatedLookup"
)

// AgentDNSRecord is one discovery entry: where an agent lives and what it
// can do. The name borrows DNS resolver semantics; these are not domain
// records.
type AgentDNSRecord struct {
	AgentID      string            `json:"agentId"`
	Domain       string            `json:"domain,omitempty"`
	Endpoints    []string          `json:"endpoints"`
	Capabilities []string          `json:"capabilities,omitempty"`
	TTL          int               `json:"ttl"`      // seconds
	Priority     int               `json:"priority"` // lower is preferred
	Weight       int               `json:"weight,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	ExpiresAt    time.Time         `json:"expiresAt"`
}

// Federated reports whether the record arrived via the mesh.
func (r AgentDNSRecord) Federated() bool {
	return r.Metadata[MetaFederatedFrom] != ""
}

// HasCapability reports whether the record advertises cap.
func (r AgentDNSRecord) HasCapability(cap string) bool {
	for _, c := range r.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// FederationPeer is one mesh member. ID is assigned locally and is the
// authoritative key; SourceID is whatever the peer reports about itself
// during the handshake.
type FederationPeer struct {
	ID           string     `json:"id"`
	SourceID     string     `json:"sourceId,omitempty"`
	Name         string     `json:"name,omitempty"`
	URL          string     `json:"url"`
	Trust        TrustLevel `json:"trust"`
	Capabilities []string   `json:"capabilities,omitempty"`
	LastSyncAt   *time.Time `json:"lastSyncAt,omitempty"`
	Status       PeerStatus `json:"status"`
}

// MessageType enumerates the CADP wire vocabulary.
type MessageType string

const (
	MsgHealthCheck    MessageType = "health-check"
	MsgHealthResponse MessageType = "health-response"
	MsgSyncRequest    MessageType = "sync-request"
	MsgSyncResponse   MessageType = "sync-response"
	MsgLookup         MessageType = "lookup"
	MsgLookupResponse MessageType = "lookup-response"
	MsgAnnounce       MessageType = "announce"
	MsgError          MessageType = "error"
)

// Message is the single CADP wire envelope, POSTed to {peer}/cadp.
type Message struct {
	Type        MessageType     `json:"type"`
	ID          string          `json:"id"`
	Source      string          `json:"source"`
	Destination string          `json:"destination,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   int64           `json:"timestamp"` // unix milliseconds
}

// HealthPayload answers a health-check.
type HealthPayload struct {
	PeerID       string   `json:"peerId"`
	PeerName     string   `json:"peerName,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Records      int      `json:"records"`
}

// SyncPayload carries registry snapshots both ways.
type SyncPayload struct {
	Records []AgentDNSRecord `json:"records"`
}

// LookupPayload asks for one agent by id or all agents with a capability.
type LookupPayload struct {
	AgentID    string `json:"agentId,omitempty"`
	Capability string `json:"capability,omitempty"`
}

// LookupResultPayload answers a lookup.
type LookupResultPayload struct {
	Found   bool             `json:"found"`
	Record  *AgentDNSRecord  `json:"record,omitempty"`
	Records []AgentDNSRecord `json:"records,omitempty"`
}

// AnnouncePayload broadcasts one fresh record.
type AnnouncePayload struct {
	Record AgentDNSRecord `json:"record"`
}

// AnnounceAckPayload answers an announce.
type AnnounceAckPayload struct {
	Accepted bool `json:"accepted"`
}

// ErrorPayload reports a protocol-level failure.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Config tunes the federation. Zero values fall back to the defaults below;
// sharing and remote-agent acceptance default to on and are turned off via
// the Disable flags.
type Config struct {
	PeerID              string
	PeerName            string
	ListenPort          int
	SyncInterval        time.Duration
	MaxPeers            int
	DisableSharing      bool // do not include local records in sync payloads
	DisableRemoteAgents bool // never merge records received from the mesh
}

// Addr is the listen address for the mesh endpoint.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.ListenPort)
}

func (c Config) withDefaults() Config {
	if c.PeerName == "" {
		c.PeerName = "cortexd"
	}
	if c.ListenPort <= 0 {
		c.ListenPort = 9100
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = time.Minute
	}
	if c.MaxPeers <= 0 {
		c.MaxPeers = 50
	}
	return c
}

// Stats is a point-in-time snapshot of the federation.
type Stats struct {
	Peers            int                `json:"peers"`
	PeersByStatus    map[PeerStatus]int `json:"peersByStatus"`
	Records          int                `json:"records"`
	FederatedRecords int                `json:"federatedRecords"`
	TotalSynced      int                `json:"totalSynced"`
	LookupsServed    int                `json:"lookupsServed"`
	LookupsForwarded int                `json:"lookupsForwarded"`
}
