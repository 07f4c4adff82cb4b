package engine

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/youzan/zangeo/common"
)

var errBadCheckpoint = errors.New("bad checkpoint file")

const checkpointHeaderLen = len(checkpointVer) + 17

type memCheckpoint struct {
	ms *MemStore
}

func (ms *MemStore) NewCheckpoint() KVCheckpoint {
	return &memCheckpoint{ms: ms}
}

// Save writes all the entries of a consistent snapshot as length prefixed
// key and record pairs. The file is written aside and renamed in place.
func (cp *memCheckpoint) Save(dir string) (int64, error) {
	err := os.MkdirAll(dir, common.DIR_PERM)
	if err != nil {
		return 0, err
	}
	snap := cp.ms.db.Snapshot()
	txn := snap.Txn(false)
	defer txn.Abort()
	it, err := txn.LowerBound(entryTableName, idIndex, "")
	if err != nil {
		return 0, err
	}
	var items []*geoItem
	for obj := it.Next(); obj != nil; obj = it.Next() {
		items = append(items, obj.(*geoItem))
	}

	tmpName := path.Join(dir, checkpointFile+".tmp")
	fs, err := os.OpenFile(tmpName, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, common.FILE_PERM)
	if err != nil {
		return 0, err
	}
	total, err := cp.writeItems(fs, items)
	if err == nil {
		err = fs.Sync()
	}
	if cerr := fs.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpName)
		return total, err
	}
	if err := os.Rename(tmpName, path.Join(dir, checkpointFile)); err != nil {
		return total, err
	}
	dbLog.Infof("checkpoint saved %v entries, %v bytes to %v", len(items), total, dir)
	return total, nil
}

func (cp *memCheckpoint) writeItems(w io.Writer, items []*geoItem) (int64, error) {
	bw := bufio.NewWriter(w)
	total := int64(0)
	n, err := bw.WriteString(checkpointVer)
	if err != nil {
		return total, err
	}
	total += int64(n)
	n, err = bw.WriteString(fmt.Sprintf("%016d\n", len(items)))
	if err != nil {
		return total, err
	}
	total += int64(n)
	buf := make([]byte, 8)
	writeBlock := func(b []byte) error {
		binary.BigEndian.PutUint64(buf, uint64(len(b)))
		n, err := bw.Write(buf)
		total += int64(n)
		if err != nil {
			return err
		}
		n, err = bw.Write(b)
		total += int64(n)
		return err
	}
	for _, item := range items {
		value, err := cp.ms.cfg.Codec.ToRecord(item.Location, item.Payload)
		if err != nil {
			return total, err
		}
		if err := writeBlock([]byte(item.Key)); err != nil {
			return total, err
		}
		if err := writeBlock(value); err != nil {
			return total, err
		}
	}
	return total, bw.Flush()
}

// Load merges the entries of the checkpoint under dir into the store, the
// loaded entries overwrite the existing ones and are sent to the open
// subscriptions like any write. A missing checkpoint loads nothing.
func (cp *memCheckpoint) Load(dir string) (int, error) {
	fs, err := os.Open(path.Join(dir, checkpointFile))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer fs.Close()
	br := bufio.NewReader(fs)
	header := make([]byte, checkpointHeaderLen)
	if _, err := io.ReadFull(br, header); err != nil {
		return 0, fmt.Errorf("%w: %v", errBadCheckpoint, err)
	}
	if string(header[:len(checkpointVer)]) != checkpointVer {
		return 0, fmt.Errorf("%w: version %q", errBadCheckpoint, header[:len(checkpointVer)])
	}
	expected, err := strconv.Atoi(strings.TrimSpace(string(header[len(checkpointVer):])))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errBadCheckpoint, err)
	}

	ms := cp.ms
	ms.writerMutex.Lock()
	defer ms.writerMutex.Unlock()
	if ms.IsClosed() {
		return 0, errStoreClosed
	}
	lenBuf := make([]byte, 8)
	readBlock := func() ([]byte, error) {
		if _, err := io.ReadFull(br, lenBuf); err != nil {
			return nil, err
		}
		l := binary.BigEndian.Uint64(lenBuf)
		if l > uint64(common.MaxPayloadSize*4) {
			return nil, fmt.Errorf("%w: block size %v", errBadCheckpoint, l)
		}
		b := make([]byte, l)
		_, err := io.ReadFull(br, b)
		return b, err
	}
	cnt := 0
	for {
		key, err := readBlock()
		if err == io.EOF {
			break
		}
		if err != nil {
			return cnt, fmt.Errorf("%w: %v", errBadCheckpoint, err)
		}
		value, err := readBlock()
		if err != nil {
			return cnt, fmt.Errorf("%w: %v", errBadCheckpoint, err)
		}
		r, err := ms.cfg.Codec.FromRecord(value)
		if err != nil {
			return cnt, err
		}
		// the precision of the store may differ from the one saved
		item := &geoItem{
			Key:      string(key),
			Location: r.Location,
			Payload:  r.Payload,
		}
		if err := ms.indexItem(item); err != nil {
			return cnt, err
		}
		old, err := ms.insertLocked(item)
		if err != nil {
			return cnt, err
		}
		ms.dispatchLocked(old, item)
		cnt++
	}
	if cnt != expected {
		dbLog.Warningf("checkpoint under %v expected %v entries, loaded %v", dir, expected, cnt)
	}
	return cnt, nil
}
