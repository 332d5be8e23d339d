package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind tags a protocol frame.
type Kind string

const (
	KindAnnounce        Kind = "ANNOUNCE"
	KindElection        Kind = "ELECTION"
	KindAlive           Kind = "ALIVE"
	KindCoordinator     Kind = "COORDINATOR"
	KindCatalogAnnounce Kind = "CATALOG_ANNOUNCE"
	KindCatalogRequest  Kind = "CATALOG_REQUEST"
	KindCatalogReply    Kind = "CATALOG_REPLY"
	KindQuery           Kind = "QUERY"
	KindQueryResult     Kind = "QUERY_RESULT"
)

var (
	// ErrUnknownKind is returned by Decode for frames whose type tag is not
	// part of the protocol.
	ErrUnknownKind = errors.New("unknown message kind")

	// ErrMalformedFrame is returned by Decode for frames that fail schema
	// validation.
	ErrMalformedFrame = errors.New("malformed frame")
)

// Message is the closed set of protocol frames. Only types in this package
// implement it.
type Message interface {
	Kind() Kind
	validate() error
}

// Announce is broadcast periodically over UDP and doubles as the heartbeat.
type Announce struct {
	Type    Kind   `json:"type"`
	PeerID  PeerID `json:"peerId"`
	Address string `json:"address"`
}

// Election challenges every peer with a greater id to take over.
type Election struct {
	Type     Kind   `json:"type"`
	SenderID PeerID `json:"senderId"`
	Epoch    uint64 `json:"epoch"`
}

// Alive is the reply a greater peer sends to an Election challenge.
type Alive struct {
	Type     Kind   `json:"type"`
	SenderID PeerID `json:"senderId"`
	Epoch    uint64 `json:"epoch"`
}

// Coordinator announces the winner of an election round.
type Coordinator struct {
	Type     Kind   `json:"type"`
	SenderID PeerID `json:"senderId"`
	Epoch    uint64 `json:"epoch"`
	LeaderID PeerID `json:"leaderId"`
	Address  string `json:"address"`
}

// CatalogAnnounce carries a peer's full local file index to the leader.
type CatalogAnnounce struct {
	Type     Kind         `json:"type"`
	SenderID PeerID       `json:"senderId"`
	Records  []FileRecord `json:"records"`
}

// CatalogRequest is sent by a freshly elected leader asking every active
// peer to re-announce its files.
type CatalogRequest struct {
	Type     Kind   `json:"type"`
	SenderID PeerID `json:"senderId"`
	Address  string `json:"address"`
}

// CatalogReply answers a CatalogRequest with the peer's local file index.
type CatalogReply struct {
	Type     Kind         `json:"type"`
	SenderID PeerID       `json:"senderId"`
	Records  []FileRecord `json:"records"`
}

// Query asks the leader for every record matching a filename.
type Query struct {
	Type     Kind   `json:"type"`
	SenderID PeerID `json:"senderId"`
	QueryID  string `json:"queryId"`
	Name     string `json:"name"`
	Address  string `json:"address"`
}

// QueryResult carries the leader's answer to a Query.
type QueryResult struct {
	Type     Kind         `json:"type"`
	SenderID PeerID       `json:"senderId"`
	QueryID  string       `json:"queryId"`
	Records  []FileRecord `json:"records"`
}

func (m *Announce) Kind() Kind        { return KindAnnounce }
func (m *Election) Kind() Kind        { return KindElection }
func (m *Alive) Kind() Kind           { return KindAlive }
func (m *Coordinator) Kind() Kind     { return KindCoordinator }
func (m *CatalogAnnounce) Kind() Kind { return KindCatalogAnnounce }
func (m *CatalogRequest) Kind() Kind  { return KindCatalogRequest }
func (m *CatalogReply) Kind() Kind    { return KindCatalogReply }
func (m *Query) Kind() Kind           { return KindQuery }
func (m *QueryResult) Kind() Kind     { return KindQueryResult }

func (m *Announce) validate() error {
	if m.PeerID == "" || m.Address == "" {
		return fmt.Errorf("%w: announce missing peerId or address", ErrMalformedFrame)
	}
	return nil
}

func (m *Election) validate() error {
	if m.SenderID == "" {
		return fmt.Errorf("%w: election missing senderId", ErrMalformedFrame)
	}
	return nil
}

func (m *Alive) validate() error {
	if m.SenderID == "" {
		return fmt.Errorf("%w: alive missing senderId", ErrMalformedFrame)
	}
	return nil
}

func (m *Coordinator) validate() error {
	if m.SenderID == "" || m.LeaderID == "" {
		return fmt.Errorf("%w: coordinator missing senderId or leaderId", ErrMalformedFrame)
	}
	return nil
}

func (m *CatalogAnnounce) validate() error {
	if m.SenderID == "" {
		return fmt.Errorf("%w: catalog announce missing senderId", ErrMalformedFrame)
	}
	for _, r := range m.Records {
		if r.Name == "" || r.OwnerID == "" {
			return fmt.Errorf("%w: catalog announce record missing name or owner", ErrMalformedFrame)
		}
	}
	return nil
}

func (m *CatalogRequest) validate() error {
	if m.SenderID == "" || m.Address == "" {
		return fmt.Errorf("%w: catalog request missing senderId or address", ErrMalformedFrame)
	}
	return nil
}

func (m *CatalogReply) validate() error {
	if m.SenderID == "" {
		return fmt.Errorf("%w: catalog reply missing senderId", ErrMalformedFrame)
	}
	return nil
}

func (m *Query) validate() error {
	if m.SenderID == "" || m.QueryID == "" || m.Name == "" || m.Address == "" {
		return fmt.Errorf("%w: query missing required field", ErrMalformedFrame)
	}
	return nil
}

func (m *QueryResult) validate() error {
	if m.SenderID == "" || m.QueryID == "" {
		return fmt.Errorf("%w: query result missing senderId or queryId", ErrMalformedFrame)
	}
	return nil
}

// Encode serializes a message, stamping its type tag.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case *Announce:
		v.Type = KindAnnounce
	case *Election:
		v.Type = KindElection
	case *Alive:
		v.Type = KindAlive
	case *Coordinator:
		v.Type = KindCoordinator
	case *CatalogAnnounce:
		v.Type = KindCatalogAnnounce
	case *CatalogRequest:
		v.Type = KindCatalogRequest
	case *CatalogReply:
		v.Type = KindCatalogReply
	case *Query:
		v.Type = KindQuery
	case *QueryResult:
		v.Type = KindQueryResult
	}
	return json.Marshal(m)
}

// Decode parses a frame into its concrete message type, failing fast on
// unknown kinds and schema violations.
func Decode(data []byte) (Message, error) {
	var probe struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var m Message
	switch probe.Type {
	case KindAnnounce:
		m = &Announce{}
	case KindElection:
		m = &Election{}
	case KindAlive:
		m = &Alive{}
	case KindCoordinator:
		m = &Coordinator{}
	case KindCatalogAnnounce:
		m = &CatalogAnnounce{}
	case KindCatalogRequest:
		m = &CatalogRequest{}
	case KindCatalogReply:
		m = &CatalogReply{}
	case KindQuery:
		m = &Query{}
	case KindQueryResult:
		m = &QueryResult{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, probe.Type)
	}

	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}
