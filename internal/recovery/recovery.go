// Package recovery implements the peer-initiated bulk restore driver
// (spec.md §4.H, component H): marker-file discipline plus the
// orchestration of bulk_recover's three stages around a kvlog.Backend.
//
// Grounded on _examples/original_source/src/raft_server_backend_rocksdb.c
// for the marker-file naming/regex and the stage sequencing, and on the
// teacher's pkg/manager/manager.go for the "one driver owns a
// multi-step recovery sequence, backend does the mechanical storage
// part" shape.
package recovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/google/uuid"

	"github.com/cuemby/raftd/internal/logx"
	"github.com/cuemby/raftd/internal/raftid"
)

var markerRE = regexp.MustCompile(`^\.recovery_marker\.([0-9a-fA-F-]{36})_([0-9a-fA-F-]{36})$`)

// Backend is the subset of raftlog/kvlog.Backend the recovery driver
// needs. It is satisfied by *kvlog.Backend; declared here (rather than
// imported as a concrete type) so the driver doesn't force every
// raftlog.Backend implementation to support bulk recovery — only the
// KV engine does (spec.md §4.D: flat-file backends return
// ErrUnsupportedOp for this family of operations).
type Backend interface {
	IncompleteRecovery() bool
	DBUUID() uuid.UUID
	BulkRecover(marker string) error
}

// PeerFetcher pulls a chosen peer's checkpoint directory onto local
// disk. Stage 3 of spec.md §4.H bulk_recover ("pull the chosen peer's
// checkpoint into the peers subtree ... rewrite peer identity in entry
// headers, remove stale checkpoints, delete the marker") is an
// external, file-level collaborator per spec.md §4.D; this interface
// is that collaborator's contract, implemented by whatever transport
// (rsync, an RPC-driven chunked copy, a shared volume) a deployment
// chooses.
type PeerFetcher interface {
	FetchCheckpoint(ctx context.Context, peer raftid.PeerId, destDir string) error
}

// Driver orchestrates bulk_recover's marker discipline around a
// Backend, for cmd/raftd to invoke at startup or on operator request.
type Driver struct {
	dataDir string
	self    raftid.PeerId
	backend Backend
	fetcher PeerFetcher
}

// New constructs a recovery driver over backend, rooted at dataDir
// (the same directory the backend's marker file lives in).
func New(dataDir string, self raftid.PeerId, backend Backend, fetcher PeerFetcher) *Driver {
	return &Driver{dataDir: dataDir, self: self, backend: backend, fetcher: fetcher}
}

// markerPath returns the path of the recovery marker naming peer/db.
func (d *Driver) markerPath(peer raftid.PeerId, db uuid.UUID) string {
	return filepath.Join(d.dataDir, fmt.Sprintf(".recovery_marker.%s_%s", uuid.UUID(peer), db))
}

// ResumeIfNeeded drives stage 3 when the backend opened with an
// existing marker (spec.md §4.H: "one marker => ... return the
// distinguished resume code so the caller can continue the bulk
// recover from step 3"). sourcePeer is the peer whose checkpoint this
// node is recovering from.
func (d *Driver) ResumeIfNeeded(ctx context.Context, sourcePeer raftid.PeerId) error {
	if !d.backend.IncompleteRecovery() {
		return nil
	}
	logx.Logger.Warn().
		Str("peer", uuid.UUID(d.self).String()).
		Str("source_peer", uuid.UUID(sourcePeer).String()).
		Msg("resuming interrupted bulk recovery")
	return d.runStage3(ctx, sourcePeer)
}

// StartFresh begins bulk_recover for a node whose DB is missing or
// marked incomplete with no prior marker on disk (spec.md §4.D stages
// 2-3): take a local checkpoint, create the marker, then run stage 3.
func (d *Driver) StartFresh(ctx context.Context, sourcePeer raftid.PeerId) error {
	if err := d.backend.BulkRecover(""); err != nil {
		return fmt.Errorf("recovery: local checkpoint before bulk recover: %w", err)
	}
	marker := d.markerPath(sourcePeer, d.backend.DBUUID())
	if err := os.WriteFile(marker, nil, 0o600); err != nil {
		return fmt.Errorf("recovery: create marker %s: %w", marker, err)
	}
	if err := d.backend.BulkRecover(marker); err != nil {
		return fmt.Errorf("recovery: record marker state: %w", err)
	}
	return d.runStage3(ctx, sourcePeer)
}

// runStage3 pulls the source peer's checkpoint via the configured
// PeerFetcher and clears the marker on success. It leaves the marker
// in place on any failure so a subsequent ResumeIfNeeded can retry.
func (d *Driver) runStage3(ctx context.Context, sourcePeer raftid.PeerId) error {
	peersDir := filepath.Join(d.dataDir, "chkpt", "peers", uuid.UUID(sourcePeer).String())
	if err := os.MkdirAll(peersDir, 0o700); err != nil {
		return fmt.Errorf("recovery: mkdir %s: %w", peersDir, err)
	}
	if err := d.fetcher.FetchCheckpoint(ctx, sourcePeer, peersDir); err != nil {
		return fmt.Errorf("recovery: fetch checkpoint from %s: %w", uuid.UUID(sourcePeer), err)
	}

	marker := d.markerPath(sourcePeer, d.backend.DBUUID())
	if _, err := os.Stat(marker); err == nil {
		if err := os.Remove(marker); err != nil {
			return fmt.Errorf("recovery: clear marker %s: %w", marker, err)
		}
	}
	logx.Logger.Info().Str("source_peer", uuid.UUID(sourcePeer).String()).Msg("bulk recovery complete")
	return nil
}

// ScanMarkers reports every recovery-marker filename present in dir,
// for diagnostics/CLI tooling (the backend's own Open performs the
// fatal-on-multiple-markers check; this is a read-only, non-fatal view).
func ScanMarkers(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("recovery: scan %s: %w", dir, err)
	}
	var found []string
	for _, e := range entries {
		if markerRE.MatchString(e.Name()) {
			found = append(found, e.Name())
		}
	}
	return found, nil
}
