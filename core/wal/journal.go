// Package wal is an append-only, checksummed journal of commit decisions.
// It lets a single coordinator process remember what it decided across a
// restart without running raft.
package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LSN is the position of a record in the journal, counted from 1.
type LSN uint64

// RecordType identifies what a record does to the decision table.
type RecordType uint8

const (
	RecordTypeDecide RecordType = iota + 1
	RecordTypeForget
)

func (t RecordType) String() string {
	switch t {
	case RecordTypeDecide:
		return "decide"
	case RecordTypeForget:
		return "forget"
	}
	return fmt.Sprintf("RecordType(%d)", uint8(t))
}

const (
	journalFile = "decisions.log"
	// crc32 + payload length
	recordHeaderSize = 4 + 4
	maxPayloadSize   = 1 << 20
)

var (
	ErrClosed        = errors.New("journal is closed")
	ErrCorruptRecord = errors.New("corrupt journal record")
	// ErrFailed is returned once an append failed and the partial record
	// could not be cut off again. The record may or may not survive a
	// reopen, so the journal refuses further writes.
	ErrFailed = errors.New("journal failed")
)

// logFile is the part of *os.File the journal appends through.
type logFile interface {
	io.Writer
	io.Seeker
	Sync() error
	Truncate(size int64) error
	Close() error
}

// Config controls where the journal lives and when it is compacted.
type Config struct {
	Dir string `yaml:"dir"`
	// CompactThreshold is the number of dead records (forgotten decisions
	// and duplicate decides) that triggers a rewrite of the file.
	CompactThreshold int `yaml:"compact_threshold"`
	// NoSync skips fsync after each append. Only for tests.
	NoSync bool `yaml:"-"`
}

func (c *Config) setDefaults() {
	if c.CompactThreshold <= 0 {
		c.CompactThreshold = 1024
	}
}

// Record is one journal entry.
type Record struct {
	LSN     LSN
	Type    RecordType
	At      time.Time
	TxID    string
	Outcome string
}

// Decision is the live state for one transaction.
type Decision struct {
	Outcome   string
	DecidedAt time.Time
	LSN       LSN
}

// Journal is safe for concurrent use.
type Journal struct {
	cfg    Config
	path   string
	logger *zap.Logger

	mu        sync.RWMutex
	file      logFile
	nextLSN   LSN
	dead      int
	decisions map[string]Decision
	closed    bool
	failed    error
}

// Open replays the journal in cfg.Dir, creating it if needed. A torn or
// corrupt tail, which is what a crash mid-append leaves behind, is cut off
// and the journal continues from the last good record.
func Open(cfg Config, logger *zap.Logger) (*Journal, error) {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Dir == "" {
		return nil, errors.New("journal dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal dir %s: %w", cfg.Dir, err)
	}
	j := &Journal{
		cfg:       cfg,
		path:      filepath.Join(cfg.Dir, journalFile),
		logger:    logger.Named("wal"),
		nextLSN:   1,
		decisions: make(map[string]Decision),
	}
	f, err := os.OpenFile(j.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", j.path, err)
	}
	if err := j.replay(f); err != nil {
		f.Close()
		return nil, err
	}
	j.file = f
	j.logger.Info("Journal opened",
		zap.String("path", j.path), zap.Int("decisions", len(j.decisions)), zap.Uint64("nextLSN", uint64(j.nextLSN)))
	return j, nil
}

func (j *Journal) replay(f *os.File) error {
	reader := bufio.NewReader(f)
	var good int64
	for {
		rec, n, err := readRecord(reader)
		if err == io.EOF {
			break
		}
		if err != nil {
			j.logger.Warn("Truncating journal tail", zap.Int64("offset", good), zap.Error(err))
			if terr := f.Truncate(good); terr != nil {
				return fmt.Errorf("failed to truncate journal at %d: %w", good, terr)
			}
			break
		}
		good += int64(n)
		j.apply(rec)
		if rec.LSN >= j.nextLSN {
			j.nextLSN = rec.LSN + 1
		}
	}
	if _, err := f.Seek(good, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek journal to %d: %w", good, err)
	}
	return nil
}

// apply must be called with mu held (or before the journal is shared). It
// returns the outcome the table holds for rec.TxID afterwards.
func (j *Journal) apply(rec Record) string {
	switch rec.Type {
	case RecordTypeDecide:
		if existing, ok := j.decisions[rec.TxID]; ok {
			j.dead++
			return existing.Outcome
		}
		j.decisions[rec.TxID] = Decision{Outcome: rec.Outcome, DecidedAt: rec.At, LSN: rec.LSN}
		return rec.Outcome
	case RecordTypeForget:
		j.dead++
		if _, ok := j.decisions[rec.TxID]; ok {
			delete(j.decisions, rec.TxID)
			j.dead++
		}
	}
	return ""
}

// Decide records outcome for txID and returns the outcome now on record.
// Decisions are write-once: when txID is already decided nothing is
// appended and the earlier outcome is returned.
func (j *Journal) Decide(txID, outcome string) (string, error) {
	if txID == "" || outcome == "" {
		return "", errors.New("decide needs a transaction id and an outcome")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return "", ErrClosed
	}
	if j.failed != nil {
		return "", j.failed
	}
	if existing, ok := j.decisions[txID]; ok {
		return existing.Outcome, nil
	}
	rec := Record{Type: RecordTypeDecide, At: time.Now().UTC(), TxID: txID, Outcome: outcome}
	if err := j.append(&rec); err != nil {
		return "", err
	}
	return j.apply(rec), nil
}

// Forget drops the decision for txID. Forgetting an unknown transaction is
// a no-op.
func (j *Journal) Forget(txID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	if j.failed != nil {
		return j.failed
	}
	if _, ok := j.decisions[txID]; !ok {
		return nil
	}
	rec := Record{Type: RecordTypeForget, At: time.Now().UTC(), TxID: txID}
	if err := j.append(&rec); err != nil {
		return err
	}
	j.apply(rec)
	if j.dead >= j.cfg.CompactThreshold {
		if err := j.compact(); err != nil {
			// The old file is intact.
			j.logger.Error("Journal compaction failed", zap.Error(err))
		}
	}
	return nil
}

func (j *Journal) Lookup(txID string) (Decision, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	d, ok := j.decisions[txID]
	return d, ok
}

// Len is the number of live decisions.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.decisions)
}

// append must be called with mu held. A failed write or sync is cut back
// to the previous record boundary so later appends are not stranded
// behind a torn record on replay.
func (j *Journal) append(rec *Record) error {
	rec.LSN = j.nextLSN
	data, err := rec.Serialize()
	if err != nil {
		return err
	}
	off, err := j.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("failed to locate journal end: %w", err)
	}
	if _, err := j.file.Write(data); err != nil {
		return j.rollback(off, fmt.Errorf("failed to append %s record for %s: %w", rec.Type, rec.TxID, err))
	}
	if !j.cfg.NoSync {
		if err := j.file.Sync(); err != nil {
			return j.rollback(off, fmt.Errorf("failed to sync journal: %w", err))
		}
	}
	j.nextLSN++
	return nil
}

// rollback truncates the file to off after a failed append and returns
// cause. When that is not possible the journal is marked failed.
func (j *Journal) rollback(off int64, cause error) error {
	err := j.file.Truncate(off)
	if err == nil {
		_, err = j.file.Seek(off, io.SeekStart)
	}
	if err == nil && !j.cfg.NoSync {
		err = j.file.Sync()
	}
	if err != nil {
		j.failed = fmt.Errorf("%w: %v (rollback to %d: %v)", ErrFailed, cause, off, err)
		j.logger.Error("Journal append could not be rolled back", zap.Int64("offset", off), zap.Error(err))
		return j.failed
	}
	j.logger.Warn("Journal append rolled back", zap.Int64("offset", off), zap.Error(cause))
	return cause
}

// compact rewrites the journal with one decide record per live decision.
// Must be called with mu held.
func (j *Journal) compact() error {
	tmpPath := j.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmpPath, err)
	}
	w := bufio.NewWriter(tmp)
	for txID, d := range j.decisions {
		rec := Record{LSN: d.LSN, Type: RecordTypeDecide, At: d.DecidedAt, TxID: txID, Outcome: d.Outcome}
		data, err := rec.Serialize()
		if err == nil {
			_, err = w.Write(data)
		}
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace journal: %w", err)
	}
	if dir, err := os.Open(j.cfg.Dir); err == nil {
		dir.Sync() //nolint:errcheck
		dir.Close()
	}
	j.file.Close()
	j.file = tmp
	before := j.dead
	j.dead = 0
	j.logger.Info("Journal compacted", zap.Int("droppedRecords", before), zap.Int("decisions", len(j.decisions)))
	return nil
}

// Close syncs and closes the file. Later calls return nil.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.file.Sync(); err != nil {
		j.file.Close()
		return fmt.Errorf("failed to sync journal on close: %w", err)
	}
	return j.file.Close()
}

// Serialize encodes the record as
//
//	crc32(payload) uint32 | len(payload) uint32 | payload
//
// where payload is LSN, type, timestamp and the two length-prefixed
// strings, all little endian.
func (r *Record) Serialize() ([]byte, error) {
	if len(r.TxID) > 0xFFFF || len(r.Outcome) > 0xFFFF {
		return nil, fmt.Errorf("record for %q has an oversized field", r.TxID)
	}
	var payload bytes.Buffer
	for _, v := range []interface{}{uint64(r.LSN), uint8(r.Type), r.At.UnixNano()} {
		if err := binary.Write(&payload, binary.LittleEndian, v); err != nil {
			return nil, fmt.Errorf("failed to encode record: %w", err)
		}
	}
	for _, s := range []string{r.TxID, r.Outcome} {
		if err := binary.Write(&payload, binary.LittleEndian, uint16(len(s))); err != nil {
			return nil, fmt.Errorf("failed to encode record: %w", err)
		}
		payload.WriteString(s)
	}

	out := make([]byte, recordHeaderSize, recordHeaderSize+payload.Len())
	binary.LittleEndian.PutUint32(out[0:4], crc32.ChecksumIEEE(payload.Bytes()))
	binary.LittleEndian.PutUint32(out[4:8], uint32(payload.Len()))
	return append(out, payload.Bytes()...), nil
}

// Deserialize decodes a payload produced by Serialize (without its header).
func (r *Record) Deserialize(payload []byte) error {
	reader := bytes.NewReader(payload)
	var (
		lsn uint64
		typ uint8
		at  int64
	)
	for _, v := range []interface{}{&lsn, &typ, &at} {
		if err := binary.Read(reader, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}
	}
	var fields [2]string
	for i := range fields {
		var n uint16
		if err := binary.Read(reader, binary.LittleEndian, &n); err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(reader, buf); err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}
		fields[i] = string(buf)
	}
	if reader.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrCorruptRecord, reader.Len())
	}
	r.LSN = LSN(lsn)
	r.Type = RecordType(typ)
	r.At = time.Unix(0, at).UTC()
	r.TxID, r.Outcome = fields[0], fields[1]
	if r.Type != RecordTypeDecide && r.Type != RecordTypeForget {
		return fmt.Errorf("%w: unknown type %d", ErrCorruptRecord, typ)
	}
	return nil
}

// readRecord returns io.EOF only at a clean record boundary.
func readRecord(reader *bufio.Reader) (Record, int, error) {
	var rec Record
	header := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(reader, header); err != nil {
		if err == io.EOF {
			return rec, 0, io.EOF
		}
		return rec, 0, fmt.Errorf("%w: short header: %v", ErrCorruptRecord, err)
	}
	sum := binary.LittleEndian.Uint32(header[0:4])
	size := binary.LittleEndian.Uint32(header[4:8])
	if size > maxPayloadSize {
		return rec, 0, fmt.Errorf("%w: payload of %d bytes", ErrCorruptRecord, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return rec, 0, fmt.Errorf("%w: short payload: %v", ErrCorruptRecord, err)
	}
	if crc32.ChecksumIEEE(payload) != sum {
		return rec, 0, fmt.Errorf("%w: checksum mismatch", ErrCorruptRecord)
	}
	if err := rec.Deserialize(payload); err != nil {
		return rec, 0, err
	}
	return rec, recordHeaderSize + int(size), nil
}
