// Package peerdir models the configuration service raftd depends on but
// does not implement (spec.md §1: "per-peer UUIDs, addresses, and ports
// ... external collaborators; contracts only"). Directory is the
// narrow interface internal/raftnet and internal/raftclient consume;
// StaticDirectory is a YAML-file-backed implementation suitable for a
// fixed-membership deployment (membership changes are a Non-goal).
package peerdir

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/raftd/internal/raftid"
)

// Peer is one entry in the cluster's fixed membership.
type Peer struct {
	ID         raftid.PeerId
	PeerAddr   string // host:port for the raft (server-to-server) socket
	ClientAddr string // host:port for the client-facing socket
}

// Directory resolves peer identities to addresses for a raft group.
type Directory interface {
	Peers(group raftid.RaftId) ([]Peer, error)
	Lookup(group raftid.RaftId, peer raftid.PeerId) (Peer, error)
}

// StaticDirectory is a Directory backed by an in-memory (or
// YAML-file-loaded) peer list, one per raft group.
type StaticDirectory struct {
	groups map[raftid.RaftId][]Peer
}

// NewStaticDirectory builds a directory from an explicit peer list.
func NewStaticDirectory(group raftid.RaftId, peers []Peer) *StaticDirectory {
	return &StaticDirectory{groups: map[raftid.RaftId][]Peer{group: peers}}
}

type fileEntry struct {
	ID         string `yaml:"id"`
	PeerAddr   string `yaml:"peer_addr"`
	ClientAddr string `yaml:"client_addr"`
}

type fileFormat struct {
	Group string      `yaml:"group"`
	Peers []fileEntry `yaml:"peers"`
}

// LoadStaticDirectory reads a YAML peer list from path.
func LoadStaticDirectory(path string) (*StaticDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("peerdir: read %s: %w", path, err)
	}
	var ff fileFormat
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("peerdir: parse %s: %w", path, err)
	}
	group, err := raftid.ParseRaftId(ff.Group)
	if err != nil {
		return nil, err
	}
	peers := make([]Peer, 0, len(ff.Peers))
	for _, e := range ff.Peers {
		id, err := raftid.ParsePeerId(e.ID)
		if err != nil {
			return nil, err
		}
		peers = append(peers, Peer{ID: id, PeerAddr: e.PeerAddr, ClientAddr: e.ClientAddr})
	}
	return NewStaticDirectory(group, peers), nil
}

func (d *StaticDirectory) Peers(group raftid.RaftId) ([]Peer, error) {
	peers, ok := d.groups[group]
	if !ok {
		return nil, fmt.Errorf("peerdir: unknown group %s", group)
	}
	return peers, nil
}

func (d *StaticDirectory) Lookup(group raftid.RaftId, peer raftid.PeerId) (Peer, error) {
	peers, err := d.Peers(group)
	if err != nil {
		return Peer{}, err
	}
	for _, p := range peers {
		if p.ID == peer {
			return p, nil
		}
	}
	return Peer{}, fmt.Errorf("peerdir: unknown peer %s in group %s", peer, group)
}
