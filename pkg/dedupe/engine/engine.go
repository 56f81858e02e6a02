// Package engine wires the hash index, matcher, pipeline, resolver and
// archive container together behind a handle-based API: Engine holds the
// tunables and shared collaborators (codec, hash factory, stats), and a
// session owns one backup/differential-append/restore invocation's
// mutable state. Nothing here is package-level global state.
package engine

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/duparc/duparc/internal/logger"
	"github.com/duparc/duparc/pkg/archive"
	"github.com/duparc/duparc/pkg/bufpool"
	"github.com/duparc/duparc/pkg/dedupe/codec"
	"github.com/duparc/duparc/pkg/dedupe/hash128"
	"github.com/duparc/duparc/pkg/dedupe/hashindex"
	"github.com/duparc/duparc/pkg/dedupe/matcher"
	"github.com/duparc/duparc/pkg/dedupe/packet"
	"github.com/duparc/duparc/pkg/dedupe/pipeline"
	"github.com/duparc/duparc/pkg/dedupe/resolver"
	"github.com/duparc/duparc/pkg/dedupe/stats"
)

// Config is the set of tunables an Engine is built with. These become the
// archive header fields on a fresh backup, and must match the archive's
// existing header on a differential append.
type Config struct {
	SmallBlock uint64
	LargeBlock uint64
	Memory     uint64
	HashSeed   uint32
	CodecLevel int
	Workers    int

	// IterativeResolve selects resolver.Resolver.ResolveIterative over the
	// default Resolve for restore. Both reconstruct identical bytes;
	// ResolveIterative trades Go call-stack depth for an explicit heap work
	// stack, which matters for archives with payload graphs deep enough
	// that recursive resolution risks a large stack.
	IterativeResolve bool
}

func (c Config) validate() error {
	if c.SmallBlock == 0 || c.LargeBlock == 0 {
		return fmt.Errorf("engine: SmallBlock and LargeBlock must be nonzero")
	}
	if c.LargeBlock <= c.SmallBlock || c.LargeBlock%c.SmallBlock != 0 {
		return fmt.Errorf("engine: LargeBlock (%d) must be a multiple of and greater than SmallBlock (%d)", c.LargeBlock, c.SmallBlock)
	}
	if c.Memory == 0 {
		return fmt.Errorf("engine: Memory must be nonzero")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("engine: Workers must be positive")
	}
	return nil
}

// Engine holds collaborators shared across every session it opens: the
// compressor, the strong-hash factory and the instrumentation sink. It
// carries no per-archive state.
type Engine struct {
	cfg     Config
	codec   codec.Codec
	factory hash128.Factory
	stats   *stats.Collector
	pool    *bufpool.Pool
}

// New constructs an Engine. codec and factory are injected capabilities,
// never chosen by the engine itself; stats may be nil (all Collector
// methods are nil-safe).
func New(cfg Config, c codec.Codec, factory hash128.Factory, st *stats.Collector) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, codec: c, factory: factory, stats: st, pool: bufpool.NewPool(nil)}, nil
}

// submitBufferSize is how much file content a single walker read is
// grouped into before being handed to the pipeline as one chunk. Sized
// well above LargeBlock so the two-pass matcher has room to find
// large-block matches.
const submitBufferSize = 4 << 20

// readEntropyProbeSize is how many leading bytes of a file are given to
// a quick heuristic deciding whether to set the pipeline's entropy flag
// (skip hashing, store raw) for already-compressed formats.
const readEntropyProbeSize = 4096

// session holds one backup/append/restore invocation's mutable state.
type session struct {
	eng *Engine

	index    *hashindex.Index
	matcher  *matcher.Matcher
	pipeline *pipeline.Pipeline
	writer   *archive.Writer

	records    []archive.FileRecord
	setFileIDs []uint64
	nextFileID uint64

	contentHashSeen map[[16]byte]dupTarget // known content hashes, for the "duplicate_of" fast path
	prevByPath      map[string]archive.FileRecord

	sessionID string
	archive   string
}

// dupTarget is what a known content hash resolves to: the file whose
// bytes are already in the payload stream, and where they start.
type dupTarget struct {
	fileID  uint64
	payload uint64
}

func (s *session) emit(payload uint64, packets [][]byte) {
	if _, err := s.writer.WriteChunk(payload, packets); err != nil {
		// The writer surfaces I/O failures through the returned error of
		// the operation driving this session; recording isn't possible
		// from inside the emit callback, so this is deliberately fatal.
		panic(err)
	}
	for _, p := range packets {
		h, err := packet.DecodeHeader(p)
		if err != nil {
			continue
		}
		switch h.Kind {
		case packet.Literal:
			if len(p) > packet.HeaderSize && p[packet.HeaderSize] == packet.RawLevel {
				s.eng.stats.AddRawBytes(int(h.PayloadLength))
			} else {
				s.eng.stats.AddLiteralBytes(int(h.PayloadLength))
			}
		case packet.Reference:
			s.eng.stats.AddReferenceBytes(int(h.PayloadLength))
		}
	}
}

// Backup creates a fresh archive at path and walks roots into it.
func (e *Engine) Backup(ctx context.Context, path string, roots []string) error {
	h := archive.Header{
		Major: archive.CurrentMajor, Minor: archive.CurrentMinor, Revision: archive.CurrentRevision, Dev: archive.CurrentDev,
		DedupeSmall: e.cfg.SmallBlock, DedupeLarge: e.cfg.LargeBlock, HashSeed: e.cfg.HashSeed, Memory: e.cfg.Memory,
	}
	w, err := archive.Create(path, h)
	if err != nil {
		return err
	}
	return e.run(ctx, path, w, roots, nil)
}

// DifferentialAppend opens an existing archive and walks roots into a new
// backup-set increment, reusing unchanged files' bytes and the previous
// hash index snapshot.
func (e *Engine) DifferentialAppend(ctx context.Context, path string, roots []string) error {
	r, err := archive.Open(path)
	if err != nil {
		return err
	}
	header := r.Header()
	if header.DedupeSmall != e.cfg.SmallBlock || header.DedupeLarge != e.cfg.LargeBlock {
		r.Close()
		return fmt.Errorf("engine: archive block sizes (small=%d large=%d) do not match configured (small=%d large=%d)",
			header.DedupeSmall, header.DedupeLarge, e.cfg.SmallBlock, e.cfg.LargeBlock)
	}

	idx := hashindex.New(e.cfg.Memory)
	if err := r.LoadHashtable(idx); err != nil {
		r.Close()
		return err
	}

	prevByPath := make(map[string]archive.FileRecord)
	prevByContent := make(map[[16]byte]dupTarget)
	var maxFileID uint64
	for _, rec := range r.Files() {
		prevByPath[rec.AbsPath] = rec
		if rec.Kind == archive.KindRegular && rec.DuplicateOf == 0 && rec.Size > 0 {
			if _, ok := prevByContent[rec.ContentHash]; !ok {
				prevByContent[rec.ContentHash] = dupTarget{fileID: rec.FileID, payload: rec.Payload}
			}
		}
		if rec.FileID > maxFileID {
			maxFileID = rec.FileID
		}
	}
	basePayload := r.TotalPayload()
	r.Close()

	w, err := archive.OpenForAppend(path)
	if err != nil {
		return err
	}
	return e.runWithIndex(ctx, "differential-append", path, w, roots, prevByPath, prevByContent, maxFileID+1, basePayload, idx)
}

func (e *Engine) run(ctx context.Context, path string, w *archive.Writer, roots []string, prevByPath map[string]archive.FileRecord) error {
	idx := hashindex.New(e.cfg.Memory)
	return e.runWithIndex(ctx, "backup", path, w, roots, prevByPath, nil, 1, 0, idx)
}

func (e *Engine) runWithIndex(ctx context.Context, op, path string, w *archive.Writer, roots []string, prevByPath map[string]archive.FileRecord, prevByContent map[[16]byte]dupTarget, startFileID uint64, basePayload uint64, idx *hashindex.Index) error {
	m := matcher.New(matcher.Config{SmallBlock: int(e.cfg.SmallBlock), LargeBlock: int(e.cfg.LargeBlock)}, idx, e.factory, e.cfg.HashSeed)

	s := &session{
		eng:             e,
		index:           idx,
		matcher:         m,
		writer:          w,
		nextFileID:      startFileID,
		contentHashSeen: make(map[[16]byte]dupTarget),
		prevByPath:      prevByPath,
		sessionID:       uuid.NewString(),
		archive:         path,
	}
	for h, t := range prevByContent {
		s.contentHashSeen[h] = t
	}
	s.pipeline = pipeline.New(e.cfg.Workers, m, e.codec, e.cfg.CodecLevel, e.pool, e.stats, basePayload, s.emit)

	lc := logger.NewLogContext(s.sessionID, path, op)
	ctx = logger.WithContext(ctx, lc)
	logger.InfoCtx(ctx, "starting session", "roots", len(roots))

	if err := w.BeginPayloadSection(); err != nil {
		s.pipeline.Close()
		w.Close()
		return err
	}

	var walkErr error
	for _, root := range roots {
		if err := s.walk(ctx, root); err != nil {
			walkErr = err
			break
		}
	}

	s.pipeline.Close()

	if walkErr != nil {
		w.Close()
		return walkErr
	}

	if err := w.EndPayloadSection(); err != nil {
		w.Close()
		return err
	}
	if err := w.WriteChunksIndex(); err != nil {
		w.Close()
		return err
	}
	if err := w.WriteContents(s.records); err != nil {
		w.Close()
		return err
	}
	bset := archive.BackupSet{
		FileIDs:      s.setFileIDs,
		TimestampMs:  uint64(time.Now().UnixMilli()),
		TotalPayload: s.pipeline.NextPayload(),
		FileCount:    uint64(len(s.setFileIDs)),
	}
	if err := w.WriteBackupSet(bset); err != nil {
		w.Close()
		return err
	}
	lastGood, err := w.Position()
	if err != nil {
		w.Close()
		return err
	}
	if err := w.WriteHashtable(idx); err != nil {
		w.Close()
		return err
	}
	if _, err := w.WriteFooter(); err != nil {
		w.Close()
		return err
	}
	if err := w.CommitLastGood(lastGood); err != nil {
		w.Close()
		return err
	}

	ist := idx.Stats()
	e.stats.AddIndexCounters(ist.SmallInserted, ist.LargeInserted, ist.SmallCongestion, ist.LargeCongestion)
	e.stats.SetHashtableRowsOccupied(countOccupiedRows(idx))
	logger.InfoCtx(ctx, "session complete", "files", len(s.setFileIDs), "payload_bytes", s.pipeline.NextPayload())

	return w.Close()
}

func countOccupiedRows(idx *hashindex.Index) int {
	n := 0
	for i := 0; i < idx.RowCount(); i++ {
		if idx.RowUsed(i) {
			n++
		}
	}
	return n
}

// walk recurses root, submitting regular files to the pipeline and
// recording directory/symlink entries directly.
func (s *session) walk(ctx context.Context, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			s.recordDir(path, info)
		case info.Mode()&os.ModeSymlink != 0:
			return s.recordSymlink(path, info)
		case info.Mode().IsRegular():
			return s.submitFile(ctx, path, info)
		}
		return nil
	})
}

func (s *session) allocFileID() uint64 {
	id := s.nextFileID
	s.nextFileID++
	return id
}

func (s *session) recordDir(path string, info os.FileInfo) {
	id := s.allocFileID()
	rec := archive.FileRecord{
		FileID: id, Kind: archive.KindDirectory, AbsPath: path, Name: filepath.Base(path),
		MtimeMs: uint64(info.ModTime().UnixMilli()),
	}
	s.records = append(s.records, rec)
	s.setFileIDs = append(s.setFileIDs, id)
}

func (s *session) recordSymlink(path string, info os.FileInfo) error {
	target, err := os.Readlink(path)
	if err != nil {
		return err
	}
	id := s.allocFileID()
	rec := archive.FileRecord{
		FileID: id, Kind: archive.KindSymlink, AbsPath: path, Name: filepath.Base(path),
		LinkTarget: target, MtimeMs: uint64(info.ModTime().UnixMilli()),
	}
	s.records = append(s.records, rec)
	s.setFileIDs = append(s.setFileIDs, id)
	return nil
}

// submitFile implements the differential "unchanged file" fast path and
// the "duplicate_of" bytewise-identical fast path before falling back to
// submitting the file's bytes through the pipeline.
func (s *session) submitFile(ctx context.Context, path string, info os.FileInfo) error {
	size := uint64(info.Size())
	mtimeMs := uint64(info.ModTime().UnixMilli())

	if prev, ok := s.prevByPath[path]; ok && prev.Kind == archive.KindRegular && prev.Size == size && prev.MtimeMs == mtimeMs {
		id := s.allocFileID()
		rec := prev
		rec.FileID = id
		s.records = append(s.records, rec)
		s.setFileIDs = append(s.setFileIDs, id)
		s.eng.stats.IncUnchangedFiles()
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	// First pass: hash the whole file. A file bytewise identical to one
	// already stored contributes nothing to the payload stream — it is
	// recorded as duplicate_of the original, so the hash must be known
	// before any bytes are submitted.
	checksum := s.eng.factory(s.eng.cfg.HashSeed)
	buf := make([]byte, submitBufferSize)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			checksum.Update(buf[:n])
		}
		if rerr != nil {
			break
		}
	}
	contentHash := checksum.Finalize()

	id := s.allocFileID()
	rec := archive.FileRecord{
		FileID: id, Kind: archive.KindRegular, AbsPath: path, Name: filepath.Base(path),
		Size: size, MtimeMs: mtimeMs, ContentHash: contentHash,
	}

	if orig, ok := s.contentHashSeen[contentHash]; ok && size > 0 {
		rec.DuplicateOf = orig.fileID
		rec.Payload = orig.payload
		s.eng.stats.IncDuplicateOfFiles()
		s.records = append(s.records, rec)
		s.setFileIDs = append(s.setFileIDs, id)
		logger.DebugCtx(ctx, "stored as duplicate", "path", path, "size", size, "duplicate_of", rec.DuplicateOf)
		return nil
	}

	// Second pass: submit the bytes through the pipeline.
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	rec.Payload = s.pipeline.NextPayload()
	entropy := false
	first := true
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if first {
				entropy = looksIncompressible(buf[:min(n, readEntropyProbeSize)])
				first = false
			}
			s.pipeline.Submit(buf[:n], entropy)
			if !entropy {
				s.eng.stats.IncChunksHashed()
			}
		}
		if rerr != nil {
			break
		}
	}

	if size > 0 {
		s.contentHashSeen[contentHash] = dupTarget{fileID: id, payload: rec.Payload}
	}
	s.records = append(s.records, rec)
	s.setFileIDs = append(s.setFileIDs, id)
	logger.DebugCtx(ctx, "submitted file", "path", path, "size", size)
	return nil
}

// looksIncompressible is a cheap heuristic over a file's leading bytes:
// high unique-byte density is typical of already-compressed or encrypted
// content, which the entropy flag lets the pipeline skip matching for
// entirely and store raw.
func looksIncompressible(sample []byte) bool {
	if len(sample) < 256 {
		return false
	}
	var seen [256]bool
	unique := 0
	for _, b := range sample {
		if !seen[b] {
			seen[b] = true
			unique++
		}
	}
	return float64(unique) > 0.9*float64(len(seen))
}

// Restore extracts one backup-set's files from an archive into destDir.
// backupSetIndex is an index into archive.Reader.BackupSets() (0-based,
// oldest first).
func (e *Engine) Restore(ctx context.Context, path string, backupSetIndex int, destDir string) error {
	r, err := archive.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()

	sets := r.BackupSets()
	if backupSetIndex < 0 || backupSetIndex >= len(sets) {
		return fmt.Errorf("engine: backup set index %d out of range [0,%d)", backupSetIndex, len(sets))
	}
	set := sets[backupSetIndex]

	byID := make(map[uint64]archive.FileRecord, len(r.Files()))
	for _, rec := range r.Files() {
		byID[rec.FileID] = rec
	}

	idx := resolver.NewIndex(r.Chunks())
	res := resolver.New(idx, r, e.codec, e.pool)

	lc := logger.NewLogContext(uuid.NewString(), path, "restore")
	ctx = logger.WithContext(ctx, lc)

	// Records are stored in walk order: each root's own record comes first
	// and the entries beneath it follow. Every entry is restored at
	// destDir/<base name of its root>/<path below that root>.
	var root string
	for _, id := range set.FileIDs {
		rec, ok := byID[id]
		if !ok {
			return fmt.Errorf("engine: backup set references unknown file id %d", id)
		}
		p := filepath.Clean(rec.AbsPath)
		if root == "" || (p != root && !strings.HasPrefix(p, root+string(filepath.Separator))) {
			root = p
		}
		rel, err := filepath.Rel(filepath.Dir(root), p)
		if err != nil {
			return err
		}
		if err := e.restoreFile(ctx, res, byID, rec, filepath.Join(destDir, rel)); err != nil {
			return err
		}
	}
	return nil
}

// restoreFile writes one file record's bytes to target. Regular files
// are validated against their recorded content hash after resolution, so
// a corrupted reconstruction is detected instead of silently written to
// disk.
func (e *Engine) restoreFile(ctx context.Context, res *resolver.Resolver, byID map[uint64]archive.FileRecord, rec archive.FileRecord, target string) error {
	switch rec.Kind {
	case archive.KindDirectory:
		return os.MkdirAll(target, 0o755)
	case archive.KindSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		_ = os.Remove(target)
		return os.Symlink(rec.LinkTarget, target)
	case archive.KindRegular:
		source := rec
		if rec.DuplicateOf != 0 {
			orig, ok := byID[rec.DuplicateOf]
			if !ok {
				return fmt.Errorf("engine: duplicate_of references unknown file id %d", rec.DuplicateOf)
			}
			source = orig
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		dst := make([]byte, source.Size)
		if source.Size > 0 {
			resolve := res.Resolve
			if e.cfg.IterativeResolve {
				resolve = res.ResolveIterative
			}
			if err := resolve(source.Payload, source.Size, dst); err != nil {
				return err
			}
			if err := e.verifyRestoredContent(dst, source, rec.AbsPath); err != nil {
				return err
			}
		}
		logger.DebugCtx(ctx, "restored file", "path", target, "size", source.Size)
		return os.WriteFile(target, dst, 0o644)
	default:
		return fmt.Errorf("engine: unknown file kind %d", rec.Kind)
	}
}

// verifyRestoredContent recomputes the same 128-bit hash submitFile
// recorded for source and compares it against source.ContentHash,
// returning a fatal archive.KindChecksumMismatch naming path on mismatch.
func (e *Engine) verifyRestoredContent(dst []byte, source archive.FileRecord, path string) error {
	h := e.factory(e.cfg.HashSeed)
	h.Update(dst)
	got := h.Finalize()
	if got != source.ContentHash {
		return &archive.Error{
			Kind: archive.KindChecksumMismatch,
			Op:   fmt.Sprintf("restore file %s", path),
			Err:  fmt.Errorf("content hash mismatch: recorded %x, reconstructed %x", source.ContentHash, got),
		}
	}
	return nil
}
