// Package kvlog implements the bbolt-backed log storage (spec.md §4.D,
// component D): same Backend contract as the flat-file engine, plus
// checkpoint, reap, sync and bulk-recover.
//
// Grounded on the teacher's pkg/storage/boltdb.go for the
// single-bucket/ordered-key bbolt usage pattern, and on
// _examples/original_source/src/raft_server_backend_rocksdb.c for the
// key-space layout, checkpoint-directory naming, and bulk-recover
// staging.
package kvlog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/raftd/internal/raftid"
	"github.com/cuemby/raftd/internal/raftlog"
)

var bucketName = []byte("log")

const (
	keyHdrLastApplied = "hdr_last_applied"
	keyHdrLastSync    = "hdr_last_sync"
	keyHdrUUID        = "hdr_uuid"
)

func keyHdrRaft(group raftid.RaftId, peer raftid.PeerId) []byte {
	return []byte(fmt.Sprintf("hdr_raft:%s__%s", group, peer))
}

// entry keys form one contiguous range that sorts before both the
// "hdr_*" keys ("e0." < "h") and the sentinel ("e0." < "z0."); every
// entry scan seeks to entryKeyPrefix and stops at the first key outside
// that prefix.
const entryKeyPrefix = "e0."
const sentinelKey = "z0.last"

func entryHeaderKey(index int64) []byte { return []byte(fmt.Sprintf("%s%016dh", entryKeyPrefix, index)) }
func entryPayloadKey(index int64) []byte { return []byte(fmt.Sprintf("%s%016de", entryKeyPrefix, index)) }

var recoveryMarkerRE = regexp.MustCompile(`^\.recovery_marker\.([0-9a-fA-F-]{36})_([0-9a-fA-F-]{36})$`)

// Backend is the KV-engine log storage.
type Backend struct {
	db      *bolt.DB
	dataDir string
	selfID  raftid.PeerId
	groupID raftid.RaftId

	nextSeqno uint64

	dbUUID             uuid.UUID
	incompleteRecovery bool
}

// Open opens (creating if necessary) the bbolt database at
// <dataDir>/db/raftlog.db, scanning dataDir for a recovery marker per
// spec.md §4.H before returning.
func Open(dataDir string, selfID raftid.PeerId, groupID raftid.RaftId) (*Backend, error) {
	dbDir := filepath.Join(dataDir, "db")
	if err := os.MkdirAll(dbDir, 0o700); err != nil {
		return nil, fmt.Errorf("kvlog: mkdir %s: %w", dbDir, err)
	}
	db, err := bolt.Open(filepath.Join(dbDir, "raftlog.db"), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("kvlog: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("kvlog: create bucket: %w", err)
	}

	b := &Backend{db: db, dataDir: dataDir, selfID: selfID, groupID: groupID}

	if err := b.loadOrCreateDBUUID(); err != nil {
		db.Close()
		return nil, err
	}
	if hdr, err := b.HeaderLoad(); err == nil {
		b.nextSeqno = hdr.Seqno + 1
	} else if err != raftlog.ErrNoValidHeader {
		db.Close()
		return nil, err
	}

	if err := b.scanRecoveryMarker(); err != nil {
		db.Close()
		return nil, err
	}
	if err := b.quarantineStaleCheckpoints(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) loadOrCreateDBUUID() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketName)
		if v := bk.Get([]byte(keyHdrUUID)); v != nil {
			u, err := uuid.FromBytes(v)
			if err != nil {
				return fmt.Errorf("kvlog: corrupt hdr_uuid: %w", err)
			}
			b.dbUUID = u
			return nil
		}
		b.dbUUID = uuid.New()
		return bk.Put([]byte(keyHdrUUID), b.dbUUID[:])
	})
}

// scanRecoveryMarker implements spec.md §4.H: at most one
// .recovery_marker.<peer>_<db> file may exist in dataDir. Multiple
// matches are fatal (a corrupt recovery state this node cannot resolve
// safely on its own).
func (b *Backend) scanRecoveryMarker() error {
	entries, err := os.ReadDir(b.dataDir)
	if err != nil {
		return fmt.Errorf("kvlog: scan recovery markers: %w", err)
	}
	var found []string
	for _, e := range entries {
		if recoveryMarkerRE.MatchString(e.Name()) {
			found = append(found, e.Name())
		}
	}
	if len(found) > 1 {
		panic(fmt.Sprintf("kvlog: multiple recovery markers present in %s: %v", b.dataDir, found))
	}
	if len(found) == 1 {
		b.incompleteRecovery = true
	}
	return nil
}

// Write appends one application entry (spec.md §4.D write): the
// 128-byte entry header goes under the "h" key, the payload under the
// "e" key; ReadFull joins the two again, so both backends share
// raftlog.EncodeEntry/DecodeEntry.
func (b *Backend) Write(e raftlog.Entry) error {
	e.SelfID = b.selfID
	e.GroupID = b.groupID
	raw, err := raftlog.EncodeEntry(e)
	if err != nil {
		return err
	}
	header, payload := raw[:raftlog.EntryHeaderSize], raw[raftlog.EntryHeaderSize:]

	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketName)
		if err := bk.Put(entryHeaderKey(e.Index), header); err != nil {
			return err
		}
		if err := bk.Put(entryPayloadKey(e.Index), payload); err != nil {
			return err
		}
		return bk.Put([]byte(keyHdrLastApplied), lastAppliedValue(e.Index))
	})
}

func lastAppliedValue(index int64) []byte {
	return []byte(fmt.Sprintf("%d", index))
}

// ReadFull reads and validates the full entry at application index.
func (b *Backend) ReadFull(index int64) (raftlog.Entry, error) {
	var header, payload []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketName)
		h := bk.Get(entryHeaderKey(index))
		if h == nil {
			return raftlog.ErrNotFound
		}
		header = append([]byte(nil), h...)
		payload = append([]byte(nil), bk.Get(entryPayloadKey(index))...)
		return nil
	})
	if err != nil {
		return raftlog.Entry{}, err
	}
	raw := append(header, payload...)
	return raftlog.DecodeEntry(raw, index, b.selfID, b.groupID)
}

// ReadHeader reads an entry's fixed header only.
func (b *Backend) ReadHeader(index int64) (raftlog.Entry, error) {
	var header []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketName)
		h := bk.Get(entryHeaderKey(index))
		if h == nil {
			return raftlog.ErrNotFound
		}
		header = append([]byte(nil), h...)
		return nil
	})
	if err != nil {
		return raftlog.Entry{}, err
	}
	return raftlog.DecodeEntryHeaderOnly(header, index, b.selfID, b.groupID)
}

// TruncateTo discards entries at index and beyond (suffix truncation).
func (b *Backend) TruncateTo(index int64) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketName)
		c := bk.Cursor()
		// start at the payload key: "e" sorts before "h", so the header
		// key would leave index's own payload behind.
		start := entryPayloadKey(index)
		for k, _ := c.Seek(start); k != nil && strings.HasPrefix(string(k), entryKeyPrefix); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// HeaderWrite persists a log header (spec.md §4.D hdr_raft key). Since
// a bbolt transaction is itself atomic and durable on commit, the
// flat-file backend's two-slot rotation is unnecessary here; seqno is
// still tracked and advanced so HeaderLoad's "largest seqno wins"
// contract is observably identical across backends.
func (b *Backend) HeaderWrite(h raftlog.Header) error {
	h.Seqno = b.nextSeqno
	raw := raftlog.EncodeHeader(h)
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketName)
		return bk.Put(keyHdrRaft(b.groupID, b.selfID), raw)
	})
	if err != nil {
		return fmt.Errorf("kvlog: header_write: %w", err)
	}
	b.nextSeqno++
	return nil
}

// HeaderLoad reads the persisted log header.
func (b *Backend) HeaderLoad() (raftlog.Header, error) {
	var raw []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketName)
		v := bk.Get(keyHdrRaft(b.groupID, b.selfID))
		if v == nil {
			return raftlog.ErrNoValidHeader
		}
		raw = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return raftlog.Header{}, err
	}
	return raftlog.DecodeHeader(raw)
}

// CountEntries counts the entry-header keys currently present.
func (b *Backend) CountEntries() (int64, error) {
	var n int64
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		prefix := []byte(entryKeyPrefix)
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), entryKeyPrefix); k, _ = c.Next() {
			if strings.HasSuffix(string(k), "h") {
				n++
			}
		}
		return nil
	})
	return n, err
}

// LowestEntryIndex returns the smallest application index still
// present after any prior Reap.
func (b *Backend) LowestEntryIndex() (int64, error) {
	var idx int64
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		prefix := []byte(entryKeyPrefix)
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), entryKeyPrefix); k, _ = c.Next() {
			ks := string(k)
			if !strings.HasSuffix(ks, "h") {
				continue
			}
			n, err := strconv.ParseInt(ks[len(entryKeyPrefix):len(ks)-1], 10, 64)
			if err != nil {
				return fmt.Errorf("kvlog: corrupt entry key %q: %w", ks, err)
			}
			idx = n
			found = true
			return nil // cursor is ascending; first match is the lowest
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	return idx, nil
}

// Reap deletes all entries below prefixEndIdx in a single pass
// (spec.md §4.D: "a single delete-range over [e0.0..e0.<idx>e)"). The
// bound must be the payload key, not the header key: "e" sorts before
// "h", so entryHeaderKey(prefixEndIdx) would delete prefixEndIdx's own
// payload while keeping its header, corrupting the first retained entry.
func (b *Backend) Reap(prefixEndIdx int64) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketName)
		c := bk.Cursor()
		end := entryPayloadKey(prefixEndIdx)
		for k, _ := c.Seek([]byte(entryKeyPrefix)); k != nil && strings.HasPrefix(string(k), entryKeyPrefix) && string(k) < string(end); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// Sync forces bbolt's fsync (already performed by every Update commit)
// and records the wall-clock timestamp in hdr_last_sync.
func (b *Backend) Sync() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketName)
		return bk.Put([]byte(keyHdrLastSync), []byte(time.Now().UTC().Format(time.RFC3339Nano)))
	})
}

// checkpointDir returns the directory name encoding
// {peer_uuid}_{db_uuid}_{sync_idx} (spec.md §4.D checkpoint).
func (b *Backend) checkpointDir(syncIdx int64) string {
	return fmt.Sprintf("%s_%s_%d", b.selfID, b.dbUUID, syncIdx)
}

// Checkpoint produces a consistent snapshot under
// <dataDir>/chkpt/self/<checkpointDir>/raftlog.db, staged first under
// a ".in-progress_" prefix and renamed atomically on success.
func (b *Backend) Checkpoint() (string, error) {
	syncIdx, err := b.lastAppliedIndex()
	if err != nil {
		return "", err
	}
	selfDir := filepath.Join(b.dataDir, "chkpt", "self")
	if err := os.MkdirAll(selfDir, 0o700); err != nil {
		return "", fmt.Errorf("kvlog: checkpoint mkdir: %w", err)
	}

	final := filepath.Join(selfDir, b.checkpointDir(syncIdx))
	if _, err := os.Stat(final); err == nil {
		return final, nil // already checkpointed at this sync index
	}

	inProgress := filepath.Join(selfDir, ".in-progress_"+b.checkpointDir(syncIdx))
	if err := os.MkdirAll(inProgress, 0o700); err != nil {
		return "", fmt.Errorf("kvlog: checkpoint stage mkdir: %w", err)
	}

	err = b.db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(filepath.Join(inProgress, "raftlog.db"), 0o600)
	})
	if err != nil {
		os.RemoveAll(inProgress)
		return "", fmt.Errorf("kvlog: checkpoint copy: %w", err)
	}

	if err := os.Rename(inProgress, final); err != nil {
		return "", fmt.Errorf("kvlog: checkpoint rename: %w", err)
	}
	return final, nil
}

func (b *Backend) lastAppliedIndex() (int64, error) {
	var idx int64
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(keyHdrLastApplied))
		if v == nil {
			idx = -1
			return nil
		}
		n, err := strconv.ParseInt(string(v), 10, 64)
		idx = n
		return err
	})
	return idx, err
}

// quarantineStaleCheckpoints moves any leftover ".in-progress_*"
// checkpoint directories found at startup into the trash subtree,
// never deleting them outright (spec.md §4.D: "to allow forensics").
func (b *Backend) quarantineStaleCheckpoints() error {
	selfDir := filepath.Join(b.dataDir, "chkpt", "self")
	entries, err := os.ReadDir(selfDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("kvlog: scan checkpoints: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), ".in-progress_") {
			continue
		}
		if err := b.moveToTrash(filepath.Join(selfDir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) moveToTrash(path string) error {
	trashDir := filepath.Join(b.dataDir, "trash", uuid.New().String())
	if err := os.MkdirAll(filepath.Dir(trashDir), 0o700); err != nil {
		return fmt.Errorf("kvlog: trash mkdir: %w", err)
	}
	if err := os.Rename(path, trashDir); err != nil {
		return fmt.Errorf("kvlog: quarantine %s: %w", path, err)
	}
	return nil
}

// BulkRecover implements the two fully-specified stages of spec.md
// §4.D bulk_recover. Stage 3 (pulling a peer's checkpoint, rewriting
// entry identities, rotating the db UUID) is an external, file-level
// collaborator and is not performed here; a caller observing
// incompleteRecovery==true after this call is expected to drive that
// transfer itself and then clear the marker.
func (b *Backend) BulkRecover(marker string) error {
	if marker != "" {
		peerUUID, dbUUID, ok := parseRecoveryMarker(filepath.Base(marker))
		if !ok {
			return fmt.Errorf("kvlog: malformed recovery marker %q", marker)
		}
		_ = peerUUID
		_ = dbUUID
		b.incompleteRecovery = true
		return nil
	}

	if _, err := b.Checkpoint(); err != nil {
		return fmt.Errorf("kvlog: bulk_recover local checkpoint: %w", err)
	}
	return nil
}

func parseRecoveryMarker(name string) (peer, db uuid.UUID, ok bool) {
	m := recoveryMarkerRE.FindStringSubmatch(name)
	if m == nil {
		return uuid.Nil, uuid.Nil, false
	}
	peer, err1 := uuid.Parse(m[1])
	db, err2 := uuid.Parse(m[2])
	if err1 != nil || err2 != nil {
		return uuid.Nil, uuid.Nil, false
	}
	return peer, db, true
}

// IncompleteRecovery reports whether this backend resumed from a
// recovery marker found at open (spec.md §4.H "resumed recovery").
func (b *Backend) IncompleteRecovery() bool { return b.incompleteRecovery }

// DBUUID returns the database-instance identity (hdr_uuid).
func (b *Backend) DBUUID() uuid.UUID { return b.dbUUID }

// Close releases the underlying bbolt database handle.
func (b *Backend) Close() error { return b.db.Close() }
