package engine

// recovery.go replays the crash-recovery half of Open: manifest replay
// already happened inside manifest.Recover; this file discovers every WAL
// file at or after the manifest's recorded log number, replays each into
// its partition's mutable memtable the way wal.DecodeBatch's
// [sequence|ops] framing was written, and reopens the newest one for
// continued append.

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/INLOpen/rucksdb/wal"
)

// recoverWAL either opens a brand-new WAL file (fresh stores) or replays
// every WAL file the manifest considers possibly unflushed and reopens the
// newest one for continued append.
func (e *Engine) recoverWAL(fresh bool) error {
	if fresh {
		return e.openFreshWAL()
	}

	nums, err := listWALFiles(e.dir)
	if err != nil {
		return err
	}

	logNumber := e.vs.LogNumber()
	var toReplay []uint64
	for _, n := range nums {
		if n >= logNumber {
			toReplay = append(toReplay, n)
		}
	}

	var maxSeq uint64
	for _, n := range toReplay {
		seq, err := e.replayWALFile(n)
		if err != nil {
			return err
		}
		if seq > maxSeq {
			maxSeq = seq
		}
	}
	if maxSeq > e.vs.LastSequence() {
		e.vs.SetLastSequence(maxSeq)
	}
	e.seq.Store(e.vs.LastSequence())

	if len(toReplay) == 0 {
		return e.openFreshWAL()
	}

	last := toReplay[len(toReplay)-1]
	w, err := wal.NewWriterAppend(e.walPath(last))
	if err != nil {
		return fmt.Errorf("reopen wal file %06d.log for append: %w", last, err)
	}
	e.walWriter = w
	e.walFileNum = last
	return nil
}

func (e *Engine) openFreshWAL() error {
	num := e.vs.NextFileNumber()
	w, err := wal.NewWriter(e.walPath(num))
	if err != nil {
		return fmt.Errorf("create wal file %06d.log: %w", num, err)
	}
	e.walWriter = w
	e.walFileNum = num
	return nil
}

// replayWALFile replays every batch in fileNum into its partitions'
// mutable memtables, returning the highest sequence number observed.
func (e *Engine) replayWALFile(fileNum uint64) (maxSeq uint64, err error) {
	r, err := wal.NewReader(e.walPath(fileNum))
	if err != nil {
		return 0, fmt.Errorf("open wal file %06d.log: %w", fileNum, err)
	}
	defer r.Close()

	for {
		rec, err := r.ReadRecord()
		if err == io.EOF {
			break
		}
		if err != nil {
			return maxSeq, fmt.Errorf("read wal record from %06d.log: %w", fileNum, err)
		}
		batch, err := wal.DecodeBatch(rec)
		if err != nil {
			return maxSeq, fmt.Errorf("decode wal batch from %06d.log: %w", fileNum, err)
		}
		for i, op := range batch.Ops {
			seq := batch.FirstSeq + uint64(i)
			if seq > maxSeq {
				maxSeq = seq
			}
			p, ok := e.partitions.Get(op.PartitionID)
			if !ok {
				// The partition was dropped before this batch's edit became
				// durable; there is nothing left to replay it into.
				continue
			}
			if err := p.Mutable().Put(op.Key, seq, op.Kind, op.Value); err != nil {
				return maxSeq, fmt.Errorf("replay wal op into memtable: %w", err)
			}
		}
	}
	if r.Corrupted() {
		e.logger.Warn("wal replay discarded corrupted trailing records", "file", fileNum)
	}
	return maxSeq, nil
}

// listWALFiles returns every "<n>.log" file number in dir, ascending.
func listWALFiles(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list data directory %s: %w", dir, err)
	}
	var nums []uint64
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if !strings.HasSuffix(name, ".log") {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(name, ".log"), 10, 64)
		if err != nil {
			continue
		}
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums, nil
}
