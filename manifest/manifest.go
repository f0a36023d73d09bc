package manifest

// manifest.go implements the version set and append-only manifest log: a
// durable log of VersionEdits, rolled forward on recovery, named by a
// small "current" pointer file. LogAndApply appends one edit, flushes it
// durably, then builds the next Version for every partition the edit
// touches without ever mutating a published one.
//
// The manifest log itself reuses wal.Writer/wal.Reader for its on-disk
// framing (32 KiB blocks, crc32c-checked fragments) rather than inventing a
// second durable-record format: a manifest is, structurally, just a log of
// edits, and wal already gives fragmenting, checksums, and
// recoverable-truncation handling for free.

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/rucksdb/core"
	"github.com/INLOpen/rucksdb/sys"
	"github.com/INLOpen/rucksdb/wal"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const currentFileName = "current"

func manifestFileName(fileNumber uint64) string {
	return fmt.Sprintf("MANIFEST-%06d", fileNumber)
}

// PartitionInfo is a point-in-time description of one partition, returned
// by ListPartitions.
type PartitionInfo struct {
	ID   uint32
	Name string
}

type partitionState struct {
	id              uint32
	name            string
	current         *Version
	compactPointers [MaxLevel + 1][]byte
	dropped         bool
}

// VersionSet holds the current Version of every partition, the shared file
// number and sequence counters, and the manifest writer.
type VersionSet struct {
	mu sync.Mutex

	dir string

	partitions map[uint32]*partitionState
	nameToID   map[string]uint32

	nextFileNumber atomic.Uint64
	lastSequence   atomic.Uint64
	logNumber      atomic.Uint64

	manifestFileNumber uint64
	manifestWriter     *wal.Writer

	// obsoleteMu guards obsoleteFiles independently of mu: Version.Unref can
	// invoke onVersionObsolete while mu is already held by LogAndApply (it
	// unrefs the superseded Version after publishing the new one), and
	// sync.Mutex is not reentrant.
	obsoleteMu    sync.Mutex
	obsoleteFiles []*FileMetadata

	logger *slog.Logger
	tracer trace.Tracer
}

// Options configures VersionSet creation and recovery.
type Options struct {
	Logger *slog.Logger
	Tracer trace.Tracer
}

// CreateNew initializes a brand-new, empty version set at dir: it writes the
// first manifest file, records partition 0 ("default"), and publishes the
// "current" pointer. dir must already exist.
func CreateNew(dir string, opts Options) (*VersionSet, error) {
	vs := newVersionSet(dir, opts)
	vs.nextFileNumber.Store(1)

	manifestNum := vs.allocFileNumber()
	if err := vs.openManifestWriter(manifestNum); err != nil {
		return nil, err
	}
	vs.manifestFileNumber = manifestNum

	initial := &VersionEdit{
		ComparatorName:    "bytewise",
		HasComparator:     true,
		NextFileNumber:    vs.nextFileNumber.Load(),
		HasNextFileNumber: true,
		LastSequence:      0,
		HasLastSequence:   true,
		PartitionsCreated: []PartitionCreateEntry{{ID: 0, Name: "default"}},
	}
	if err := vs.appendManifestRecord(initial); err != nil {
		return nil, err
	}
	vs.applyLocked(initial)

	if err := writeCurrentPointer(dir, manifestFileName(manifestNum)); err != nil {
		return nil, err
	}
	return vs, nil
}

// Recover reconstructs a VersionSet by reading the "current" pointer and
// replaying every edit in the manifest it names. It then reopens the
// manifest for append so future edits are logged to the same file (the
// engine may later choose to roll a fresh compacted manifest).
func Recover(dir string, opts Options) (*VersionSet, error) {
	vs := newVersionSet(dir, opts)

	name, err := readCurrentPointer(dir)
	if err != nil {
		return nil, fmt.Errorf("read current pointer: %w", err)
	}
	path := filepath.Join(dir, name)

	r, err := wal.NewReader(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest %s: %w", name, err)
	}
	for {
		rec, err := r.ReadRecord()
		if err == io.EOF {
			break
		}
		if err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("read manifest record: %w", err)
		}
		edit, err := DecodeVersionEdit(rec)
		if err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("decode manifest record: %w", err)
		}
		vs.applyLocked(edit)
	}
	if r.Corrupted() {
		vs.logger.Warn("manifest replay saw corrupted records, discarded trailing entries", "manifest", name)
	}
	_ = r.Close()

	var fileNum uint64
	if _, err := fmt.Sscanf(name, "MANIFEST-%d", &fileNum); err != nil {
		return nil, fmt.Errorf("parse manifest file number from %q: %w", name, core.ErrCorruption)
	}
	vs.manifestFileNumber = fileNum
	if err := vs.openManifestWriterAppend(fileNum); err != nil {
		return nil, err
	}

	return vs, nil
}

// allocFileNumber hands out the next globally unique file number.
// atomic.Uint64.Add returns the post-increment value, so the id actually
// handed to the caller is one less than that.
func (vs *VersionSet) allocFileNumber() uint64 {
	return vs.nextFileNumber.Add(1) - 1
}

func newVersionSet(dir string, opts Options) *VersionSet {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "manifest.VersionSet")
	}
	return &VersionSet{
		dir:        dir,
		partitions: make(map[uint32]*partitionState),
		nameToID:   make(map[string]uint32),
		logger:     opts.Logger,
		tracer:     opts.Tracer,
	}
}

func (vs *VersionSet) openManifestWriter(fileNumber uint64) error {
	w, err := wal.NewWriter(filepath.Join(vs.dir, manifestFileName(fileNumber)))
	if err != nil {
		return fmt.Errorf("create manifest file: %w", err)
	}
	vs.manifestWriter = w
	return nil
}

func (vs *VersionSet) openManifestWriterAppend(fileNumber uint64) error {
	w, err := wal.NewWriterAppend(filepath.Join(vs.dir, manifestFileName(fileNumber)))
	if err != nil {
		return fmt.Errorf("reopen manifest file for append: %w", err)
	}
	vs.manifestWriter = w
	return nil
}

func writeCurrentPointer(dir, manifestName string) error {
	tmp := filepath.Join(dir, currentFileName+".tmp")
	final := filepath.Join(dir, currentFileName)
	if err := sys.WriteFile(tmp, []byte(manifestName+"\n"), 0o644); err != nil {
		return fmt.Errorf("write current pointer temp file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("rename current pointer into place: %w", err)
	}
	return nil
}

func readCurrentPointer(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, currentFileName))
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(string(data))
	if name == "" {
		return "", fmt.Errorf("empty current pointer file: %w", core.ErrCorruption)
	}
	return name, nil
}

// NextFileNumber allocates and returns the next globally unique file
// number, shared across WAL, SST, and manifest files.
func (vs *VersionSet) NextFileNumber() uint64 {
	return vs.allocFileNumber()
}

// LastSequence returns the most recently allocated sequence number.
func (vs *VersionSet) LastSequence() uint64 { return vs.lastSequence.Load() }

// LogNumber returns the file number of the oldest WAL file that might still
// hold records not yet reflected in any partition's current Version. WAL
// files with a smaller number are safe to delete; recovery only needs to
// replay files with a number >= this. It is 0 until the first flush records
// one via a VersionEdit carrying HasLogNumber.
func (vs *VersionSet) LogNumber() uint64 { return vs.logNumber.Load() }

// SetLastSequence records the highest sequence allocated so far; callers
// must never decrease it.
func (vs *VersionSet) SetLastSequence(seq uint64) {
	for {
		cur := vs.lastSequence.Load()
		if seq <= cur {
			return
		}
		if vs.lastSequence.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// Current returns a reference-counted handle on partitionID's current
// Version. Callers must call Unref when done. ok is false if the
// partition does not exist or has been dropped.
func (vs *VersionSet) Current(partitionID uint32) (v *Version, ok bool) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	p, exists := vs.partitions[partitionID]
	if !exists || p.dropped || p.current == nil {
		return nil, false
	}
	return p.current.Ref(), true
}

// ListPartitions returns every live (non-dropped) partition.
func (vs *VersionSet) ListPartitions() []PartitionInfo {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	out := make([]PartitionInfo, 0, len(vs.partitions))
	for _, p := range vs.partitions {
		if !p.dropped {
			out = append(out, PartitionInfo{ID: p.id, Name: p.name})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LookupPartitionByName returns a live partition's id.
func (vs *VersionSet) LookupPartitionByName(name string) (uint32, bool) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	id, ok := vs.nameToID[name]
	if !ok {
		return 0, false
	}
	if p := vs.partitions[id]; p == nil || p.dropped {
		return 0, false
	}
	return id, true
}

// CompactPointer returns the recorded compaction pointer for
// (partitionID, level), or nil if none has been recorded.
func (vs *VersionSet) CompactPointer(partitionID uint32, level int) []byte {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	p, ok := vs.partitions[partitionID]
	if !ok || level < 0 || level > MaxLevel {
		return nil
	}
	return p.compactPointers[level]
}

// LogAndApply appends edit to the manifest durably, then rebuilds the
// Version of every partition it touches from the previous one, publishing
// the result atomically under vs.mu. It never mutates a previously
// published Version.
func (vs *VersionSet) LogAndApply(ctx context.Context, edit *VersionEdit) error {
	var span trace.Span
	if vs.tracer != nil {
		_, span = vs.tracer.Start(ctx, "manifest.VersionSet.LogAndApply")
		defer span.End()
	}

	vs.mu.Lock()
	defer vs.mu.Unlock()

	if !edit.HasNextFileNumber {
		edit.NextFileNumber = vs.nextFileNumber.Load()
		edit.HasNextFileNumber = true
	}
	if !edit.HasLastSequence {
		edit.LastSequence = vs.lastSequence.Load()
		edit.HasLastSequence = true
	}

	if err := vs.appendManifestRecord(edit); err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		// A log_and_apply failure is fatal to in-memory state: the caller
		// must refuse further writes until reopened.
		return fmt.Errorf("append manifest record: %w", err)
	}

	vs.applyLocked(edit)
	return nil
}

func (vs *VersionSet) appendManifestRecord(edit *VersionEdit) error {
	return vs.manifestWriter.AddRecord(edit.Encode(), true)
}

// applyLocked updates in-memory state from edit; callers must hold vs.mu
// (or, during Recover/CreateNew, own the VersionSet exclusively).
func (vs *VersionSet) applyLocked(edit *VersionEdit) {
	if edit.HasNextFileNumber && edit.NextFileNumber > vs.nextFileNumber.Load() {
		vs.nextFileNumber.Store(edit.NextFileNumber)
	}
	if edit.HasLastSequence && edit.LastSequence > vs.lastSequence.Load() {
		vs.lastSequence.Store(edit.LastSequence)
	}
	if edit.HasLogNumber && edit.LogNumber > vs.logNumber.Load() {
		vs.logNumber.Store(edit.LogNumber)
	}

	for _, pc := range edit.PartitionsCreated {
		vs.partitions[pc.ID] = &partitionState{id: pc.ID, name: pc.Name, current: newVersion(vs.onVersionObsolete)}
		vs.nameToID[pc.Name] = pc.ID
	}
	for _, id := range edit.PartitionsDropped {
		if p, ok := vs.partitions[id]; ok {
			p.dropped = true
			delete(vs.nameToID, p.name)
			if p.current != nil {
				p.current.Unref()
				p.current = nil
			}
		}
	}
	for _, cp := range edit.CompactPointers {
		if p, ok := vs.partitions[cp.PartitionID]; ok && cp.Level >= 0 && cp.Level <= MaxLevel {
			p.compactPointers[cp.Level] = cp.Key
		}
	}

	touchedPartitions := make(map[uint32]bool)
	for _, nf := range edit.NewFiles {
		touchedPartitions[nf.PartitionID] = true
	}
	for _, df := range edit.DeletedFiles {
		touchedPartitions[df.PartitionID] = true
	}
	for pid := range touchedPartitions {
		p, ok := vs.partitions[pid]
		if !ok {
			continue
		}
		nv := p.current.clone(vs.onVersionObsolete)
		nv.applyEditForPartition(pid, edit)
		old := p.current
		p.current = nv
		if old != nil {
			old.Unref()
		}
	}
}

// onVersionObsolete is invoked once a superseded Version's last reference
// is released. The files it alone referenced become deletable; the actual
// deletion policy (immediate vs. deferred to the next compaction) lives in
// the engine/compaction layer, which drains ObsoleteFiles after every
// LogAndApply.
func (vs *VersionSet) onVersionObsolete(v *Version) {
	vs.obsoleteMu.Lock()
	defer vs.obsoleteMu.Unlock()
	for _, lvl := range v.levels {
		vs.obsoleteFiles = append(vs.obsoleteFiles, lvl...)
	}
}

// DrainObsoleteFiles returns and clears the set of files made obsolete
// since the last call. Callers (the flush/compaction path) must verify a
// file is not still referenced by any partition's current Version before
// unlinking it — see manifest.VersionSet.Referenced.
func (vs *VersionSet) DrainObsoleteFiles() []*FileMetadata {
	vs.obsoleteMu.Lock()
	defer vs.obsoleteMu.Unlock()
	out := vs.obsoleteFiles
	vs.obsoleteFiles = nil
	return out
}

// Referenced reports whether fileID is present in any live partition's
// current Version.
func (vs *VersionSet) Referenced(fileID uint64) bool {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	for _, p := range vs.partitions {
		if p.current == nil {
			continue
		}
		for _, lvl := range p.current.levels {
			for _, f := range lvl {
				if f.ID == fileID {
					return true
				}
			}
		}
	}
	return false
}

// Close records the in-memory file-number and sequence counters in a final
// edit, so Recover sees them, then closes the manifest writer. A second
// call is a no-op.
func (vs *VersionSet) Close() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.manifestWriter == nil {
		return nil
	}
	appendErr := vs.appendManifestRecord(&VersionEdit{
		NextFileNumber:    vs.nextFileNumber.Load(),
		HasNextFileNumber: true,
		LastSequence:      vs.lastSequence.Load(),
		HasLastSequence:   true,
	})
	closeErr := vs.manifestWriter.Close()
	vs.manifestWriter = nil
	if appendErr != nil {
		return fmt.Errorf("append final manifest record: %w", appendErr)
	}
	return closeErr
}

// ManifestPath returns the path of the currently active manifest file, for
// diagnostics and checkpointing.
func (vs *VersionSet) ManifestPath() string {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return filepath.Join(vs.dir, manifestFileName(vs.manifestFileNumber))
}

// CompactManifest rolls a fresh manifest file containing a single
// "create current state" edit summarizing every live partition and file,
// and republishes the "current" pointer to it. The old manifest file is
// left for the caller to remove once this returns successfully: never
// delete it before the edit that supersedes it is durable.
func (vs *VersionSet) CompactManifest() (oldPath string, err error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	oldPath = filepath.Join(vs.dir, manifestFileName(vs.manifestFileNumber))
	newNum := vs.allocFileNumber()

	if err := vs.manifestWriter.Close(); err != nil {
		return "", fmt.Errorf("close old manifest: %w", err)
	}
	if err := vs.openManifestWriter(newNum); err != nil {
		return "", err
	}

	snapshot := &VersionEdit{
		NextFileNumber:    vs.nextFileNumber.Load(),
		HasNextFileNumber: true,
		LastSequence:      vs.lastSequence.Load(),
		HasLastSequence:   true,
		LogNumber:         vs.logNumber.Load(),
		HasLogNumber:      true,
	}
	for _, p := range vs.partitions {
		if p.dropped {
			continue
		}
		snapshot.PartitionsCreated = append(snapshot.PartitionsCreated, PartitionCreateEntry{ID: p.id, Name: p.name})
		for lvl, files := range p.current.levels {
			for _, f := range files {
				snapshot.NewFiles = append(snapshot.NewFiles, NewFileEntry{PartitionID: p.id, Level: lvl, Meta: *f})
			}
			if cp := p.compactPointers[lvl]; cp != nil {
				snapshot.CompactPointers = append(snapshot.CompactPointers, CompactPointerEntry{PartitionID: p.id, Level: lvl, Key: cp})
			}
		}
	}

	if err := vs.appendManifestRecord(snapshot); err != nil {
		return "", fmt.Errorf("write compacted manifest snapshot: %w", err)
	}
	vs.manifestFileNumber = newNum

	if err := writeCurrentPointer(vs.dir, manifestFileName(newNum)); err != nil {
		return "", fmt.Errorf("republish current pointer: %w", err)
	}

	return oldPath, nil
}
