package bus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/valyala/bytebufferpool"
)

const (
	recordHeaderSize = 16         // 8 (seq) + 4 (crc) + 4 (length)
	fileHeaderSize   = 4          // magic
	fileMagic        = 0x43455642 // "CEVB"
	maxRecordSize    = 16 * 1024 * 1024
)

// Record is a journaled event with its sequence number.
type Record struct {
	Seq  int64
	Data []byte
}

// Journal is an append-only, CRC-checked event log split across
// size-bounded segment files. Every append is fsynced before it returns,
// so an event acknowledged to a producer survives a crash. Segments whose
// events are all committed are deleted by TruncateBefore.
type Journal struct {
	dir     string
	maxSize int64

	mu       sync.Mutex
	segments []*segment
	curr     *segment
	nextNum  int
	seq      int64
	crcTable *crc32.Table
	closed   bool
}

type segment struct {
	f      *os.File
	num    int
	size   int64
	maxSeq int64
}

// OpenJournal opens the journal in dir, scanning existing segments and
// truncating any torn tail left by a crash. maxSegmentSize bounds each
// segment file; non-positive values get a sane default.
func OpenJournal(dir string, maxSegmentSize int64) (*Journal, error) {
	if maxSegmentSize <= 0 {
		maxSegmentSize = 64 * 1024 * 1024
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	j := &Journal{
		dir:      dir,
		maxSize:  maxSegmentSize,
		crcTable: crc32.MakeTable(crc32.Castagnoli),
	}

	maxSeq, err := j.scanSegments()
	if err != nil {
		return nil, fmt.Errorf("recover journal: %w", err)
	}
	j.seq = maxSeq + 1

	if j.curr == nil {
		if err := j.newSegment(); err != nil {
			return nil, fmt.Errorf("create journal segment: %w", err)
		}
	} else if _, err := j.curr.f.Seek(0, io.SeekEnd); err != nil {
		return nil, fmt.Errorf("seek journal segment: %w", err)
	}
	return j, nil
}

// Append journals data and fsyncs, returning the assigned sequence.
func (j *Journal) Append(data []byte) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, errors.New("journal is closed")
	}
	if len(data) > maxRecordSize {
		return 0, fmt.Errorf("record of %d bytes exceeds journal limit", len(data))
	}

	recordSize := int64(recordHeaderSize + len(data))
	if j.curr.size+recordSize > j.maxSize {
		if err := j.rotate(); err != nil {
			return 0, fmt.Errorf("rotate journal segment: %w", err)
		}
	}

	seq := j.seq
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)

	var hdr [recordHeaderSize]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(seq))
	binary.BigEndian.PutUint32(hdr[8:12], crc32.Checksum(data, j.crcTable))
	binary.BigEndian.PutUint32(hdr[12:16], uint32(len(data)))
	bb.B = append(bb.B, hdr[:]...)
	bb.B = append(bb.B, data...)

	if _, err := j.curr.f.Write(bb.B); err != nil {
		return 0, fmt.Errorf("write journal record %d: %w", seq, err)
	}
	if err := j.curr.f.Sync(); err != nil {
		return 0, fmt.Errorf("sync journal segment: %w", err)
	}

	j.curr.size += recordSize
	j.curr.maxSeq = seq
	j.seq++
	return seq, nil
}

// Replay streams every surviving record in sequence order. The callback
// owns the data slice; replay stops at the first callback error.
func (j *Journal) Replay(cb func(Record) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, seg := range j.segments {
		if _, err := seg.f.Seek(fileHeaderSize, io.SeekStart); err != nil {
			return fmt.Errorf("seek segment %d: %w", seg.num, err)
		}
		if err := j.readSegment(seg, cb); err != nil {
			return err
		}
	}
	if j.curr != nil {
		if _, err := j.curr.f.Seek(0, io.SeekEnd); err != nil {
			return fmt.Errorf("seek segment %d: %w", j.curr.num, err)
		}
	}
	return nil
}

// TruncateBefore deletes closed segments whose every record has
// sequence < minSeq.
func (j *Journal) TruncateBefore(minSeq int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var keep []*segment
	removed := false
	for _, seg := range j.segments {
		if seg != j.curr && seg.maxSeq >= 0 && seg.maxSeq < minSeq {
			if err := seg.f.Close(); err != nil {
				return fmt.Errorf("close segment %d: %w", seg.num, err)
			}
			if err := os.Remove(j.segmentPath(seg.num)); err != nil {
				return fmt.Errorf("remove segment %d: %w", seg.num, err)
			}
			removed = true
			continue
		}
		keep = append(keep, seg)
	}
	j.segments = keep
	if removed {
		if err := syncDir(j.dir); err != nil {
			return fmt.Errorf("sync journal dir: %w", err)
		}
	}
	return nil
}

// Close syncs and closes all segment files.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true

	var firstErr error
	for _, seg := range j.segments {
		if err := seg.f.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := seg.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (j *Journal) segmentPath(num int) string {
	return filepath.Join(j.dir, fmt.Sprintf("%08d.evj", num))
}

func (j *Journal) newSegment() error {
	num := j.nextNum
	j.nextNum++

	f, err := os.OpenFile(j.segmentPath(num), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	var hdr [fileHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], fileMagic)
	if _, err := f.Write(hdr[:]); err != nil {
		f.Close()
		return err
	}
	if err := syncDir(j.dir); err != nil {
		f.Close()
		return err
	}

	seg := &segment{f: f, num: num, size: fileHeaderSize, maxSeq: -1}
	j.segments = append(j.segments, seg)
	j.curr = seg
	return nil
}

func (j *Journal) rotate() error {
	old := j.curr
	if err := j.newSegment(); err != nil {
		return err
	}
	return old.f.Sync()
}

func (j *Journal) scanSegments() (int64, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return -1, err
	}

	var nums []int
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".evj" {
			continue
		}
		var num int
		if _, err := fmt.Sscanf(e.Name(), "%d.evj", &num); err != nil {
			continue
		}
		nums = append(nums, num)
	}
	sort.Ints(nums)

	maxSeq := int64(-1)
	for _, num := range nums {
		f, err := os.OpenFile(j.segmentPath(num), os.O_RDWR, 0o644)
		if err != nil {
			return -1, fmt.Errorf("open segment %d: %w", num, err)
		}

		var hdr [fileHeaderSize]byte
		if _, err := io.ReadFull(f, hdr[:]); err != nil {
			f.Close()
			return -1, fmt.Errorf("read segment %d header: %w", num, err)
		}
		if binary.BigEndian.Uint32(hdr[:]) != fileMagic {
			f.Close()
			return -1, fmt.Errorf("segment %d has bad magic", num)
		}

		seg := &segment{f: f, num: num, maxSeq: -1}
		validSize, segMax, err := j.scanRecords(f)
		if err != nil {
			f.Close()
			return -1, fmt.Errorf("scan segment %d: %w", num, err)
		}

		// A torn tail from a crash is cut off; everything before it is
		// intact by construction.
		if stat, err := f.Stat(); err == nil && validSize < stat.Size() {
			if err := f.Truncate(validSize); err != nil {
				f.Close()
				return -1, fmt.Errorf("truncate segment %d: %w", num, err)
			}
			if err := f.Sync(); err != nil {
				f.Close()
				return -1, fmt.Errorf("sync segment %d: %w", num, err)
			}
		}
		seg.size = validSize
		seg.maxSeq = segMax
		if segMax > maxSeq {
			maxSeq = segMax
		}

		j.segments = append(j.segments, seg)
		if num >= j.nextNum {
			j.nextNum = num + 1
		}
		j.curr = seg
	}
	return maxSeq, nil
}

// scanRecords walks a segment validating checksums, returning the byte
// length of the valid prefix and the highest sequence seen.
func (j *Journal) scanRecords(f *os.File) (int64, int64, error) {
	validSize := int64(fileHeaderSize)
	maxSeq := int64(-1)

	for {
		var hdr [recordHeaderSize]byte
		if _, err := io.ReadFull(f, hdr[:]); err != nil {
			break
		}
		seq := int64(binary.BigEndian.Uint64(hdr[0:8]))
		crc := binary.BigEndian.Uint32(hdr[8:12])
		length := int64(binary.BigEndian.Uint32(hdr[12:16]))
		if length > maxRecordSize {
			break
		}
		data := make([]byte, length)
		if _, err := io.ReadFull(f, data); err != nil {
			break
		}
		if crc32.Checksum(data, j.crcTable) != crc {
			break
		}
		validSize += recordHeaderSize + length
		maxSeq = seq
	}
	return validSize, maxSeq, nil
}

func (j *Journal) readSegment(seg *segment, cb func(Record) error) error {
	for {
		var hdr [recordHeaderSize]byte
		if _, err := io.ReadFull(seg.f, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("read segment %d: %w", seg.num, err)
		}
		seq := int64(binary.BigEndian.Uint64(hdr[0:8]))
		crc := binary.BigEndian.Uint32(hdr[8:12])
		length := int64(binary.BigEndian.Uint32(hdr[12:16]))
		if length > maxRecordSize {
			return fmt.Errorf("segment %d record %d has invalid length %d", seg.num, seq, length)
		}
		data := make([]byte, length)
		if _, err := io.ReadFull(seg.f, data); err != nil {
			return fmt.Errorf("read segment %d record %d: %w", seg.num, seq, err)
		}
		if crc32.Checksum(data, j.crcTable) != crc {
			return fmt.Errorf("segment %d record %d failed checksum", seg.num, seq)
		}
		if err := cb(Record{Seq: seq, Data: data}); err != nil {
			return err
		}
	}
}

func syncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
