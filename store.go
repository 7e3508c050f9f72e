package bptree

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"
	"github.com/pkg/errors"

	"github.com/recmandb/bptree/internal/mmap"
)

const (
	// storeMagic identifies the record file format ("bptr").
	storeMagic   uint32 = 0x62707472
	storeVersion uint16 = 1

	storeHeaderSize = 8  // magic(4) + version(2) + reserved(2)
	frameHeaderSize = 20 // recid(8) + length(4) + checksum(8)

	// tombstoneLen marks a deleted record's frame.
	tombstoneLen uint32 = 0xFFFFFFFF

	// DefaultStoreCacheSize is the number of record payloads kept in the
	// LRU cache.
	DefaultStoreCacheSize = 1024
	minStoreCacheSize     = 16
)

// Store is an append-only file-backed record manager. Every Insert,
// Update and Delete appends a frame
//
//	[recid: 8][length: 4][xxhash64: 8][payload]
//
// and the in-memory index tracks the live frame per recid; superseded
// frames become dead space that Compact reclaims. Reads come from an
// LRU payload cache, the mmap of the file's on-open extent, or pread
// for frames appended since open.
//
// A Store is single-threaded, like the page engine it backs.
type Store struct {
	path string
	file *os.File
	size int64 // append offset

	index map[uint64]recordLoc
	next  uint64 // next recid to allocate

	mapped []byte // read-only mmap of the file as of Open

	cache *freelru.LRU[uint64, []byte]

	syncEveryWrite bool
	logger         Logger
	closed         bool
}

type recordLoc struct {
	offset int64 // payload offset
	size   uint32
}

type storeOptions struct {
	cacheSize      int
	syncEveryWrite bool
	logger         Logger
}

// StoreOption configures a Store.
type StoreOption func(*storeOptions)

// WithCacheSize sets the number of record payloads the store caches.
func WithCacheSize(n int) StoreOption {
	return func(o *storeOptions) {
		o.cacheSize = n
	}
}

// WithSyncEveryWrite fsyncs after every mutating call instead of only on
// Sync and Close.
func WithSyncEveryWrite() StoreOption {
	return func(o *storeOptions) {
		o.syncEveryWrite = true
	}
}

// WithStoreLogger sets the store's logger. The default discards
// everything.
func WithStoreLogger(l Logger) StoreOption {
	return func(o *storeOptions) {
		o.logger = l
	}
}

func hashRecid(recid uint64) uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], recid)
	return uint32(xxhash.Sum64(b[:]))
}

// OpenStore opens or creates the record file at path and rebuilds the
// recid index from its frames.
func OpenStore(path string, opts ...StoreOption) (*Store, error) {
	o := storeOptions{
		cacheSize: DefaultStoreCacheSize,
		logger:    DiscardLogger{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.cacheSize < minStoreCacheSize {
		o.cacheSize = minStoreCacheSize
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "open record file")
	}

	cache, err := freelru.New[uint64, []byte](uint32(o.cacheSize), hashRecid)
	if err != nil {
		file.Close()
		return nil, err
	}

	s := &Store{
		path:           path,
		file:           file,
		index:          make(map[uint64]recordLoc),
		next:           1,
		cache:          cache,
		syncEveryWrite: o.syncEveryWrite,
		logger:         o.logger,
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.Wrap(err, "stat record file")
	}

	if info.Size() == 0 {
		if err := s.writeHeader(); err != nil {
			file.Close()
			return nil, err
		}
		return s, nil
	}

	if err := s.load(info.Size()); err != nil {
		file.Close()
		return nil, err
	}

	if mmap.Supported {
		if s.mapped, err = mmap.Map(file, s.size); err != nil {
			// pread still works; note it and move on.
			s.logger.Warn("mmap failed, falling back to pread", "path", path, "error", err)
			s.mapped = nil
		}
	}
	return s, nil
}

func (s *Store) writeHeader() error {
	var hdr [storeHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], storeMagic)
	binary.LittleEndian.PutUint16(hdr[4:], storeVersion)
	if _, err := s.file.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "write store header")
	}
	s.size = storeHeaderSize
	return nil
}

// load scans the frames sequentially, rebuilding the index and the recid
// allocator. The scan trusts frame lengths but not payloads; payload
// checksums are verified on fetch.
func (s *Store) load(fileSize int64) error {
	r := io.NewSectionReader(s.file, 0, fileSize)

	var hdr [storeHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return errors.Wrap(err, "read store header")
	}
	if binary.LittleEndian.Uint32(hdr[0:]) != storeMagic {
		return errors.Errorf("not a record file: %s", s.path)
	}
	if v := binary.LittleEndian.Uint16(hdr[4:]); v != storeVersion {
		return errors.Errorf("unsupported record file version %d", v)
	}

	offset := int64(storeHeaderSize)
	var frame [frameHeaderSize]byte
	for offset < fileSize {
		if _, err := io.ReadFull(r, frame[:]); err != nil {
			return errors.Wrapf(err, "read frame header at %d", offset)
		}
		recid := binary.LittleEndian.Uint64(frame[0:])
		length := binary.LittleEndian.Uint32(frame[8:])

		if recid >= s.next {
			s.next = recid + 1
		}

		if length == tombstoneLen {
			delete(s.index, recid)
			offset += frameHeaderSize
			continue
		}

		s.index[recid] = recordLoc{offset: offset + frameHeaderSize, size: length}
		offset += frameHeaderSize + int64(length)
		if _, err := r.Seek(offset, io.SeekStart); err != nil {
			return errors.Wrapf(err, "seek past frame at %d", offset)
		}
	}
	s.size = offset
	return nil
}

func (s *Store) appendFrame(recid uint64, payload []byte) error {
	length := uint32(len(payload))
	sum := xxhash.Sum64(payload)

	buf := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint64(buf[0:], recid)
	binary.LittleEndian.PutUint32(buf[8:], length)
	binary.LittleEndian.PutUint64(buf[12:], sum)
	copy(buf[frameHeaderSize:], payload)

	if _, err := s.file.WriteAt(buf, s.size); err != nil {
		return errors.Wrapf(err, "append record %d", recid)
	}
	s.index[recid] = recordLoc{offset: s.size + frameHeaderSize, size: length}
	s.size += int64(len(buf))

	if s.syncEveryWrite {
		return errors.Wrap(s.file.Sync(), "sync record file")
	}
	return nil
}

func (s *Store) appendTombstone(recid uint64) error {
	var buf [frameHeaderSize]byte
	binary.LittleEndian.PutUint64(buf[0:], recid)
	binary.LittleEndian.PutUint32(buf[8:], tombstoneLen)

	if _, err := s.file.WriteAt(buf[:], s.size); err != nil {
		return errors.Wrapf(err, "append tombstone %d", recid)
	}
	s.size += frameHeaderSize

	if s.syncEveryWrite {
		return errors.Wrap(s.file.Sync(), "sync record file")
	}
	return nil
}

// payload returns the live payload bytes for recid, from cache, mmap, or
// pread, verifying the frame checksum on a cache miss.
func (s *Store) payload(recid uint64) ([]byte, error) {
	if data, ok := s.cache.Get(recid); ok {
		return data, nil
	}

	loc, ok := s.index[recid]
	if !ok {
		return nil, errors.Wrapf(ErrRecordNotFound, "recid %d", recid)
	}

	frameOff := loc.offset - frameHeaderSize
	frame := make([]byte, frameHeaderSize+int(loc.size))
	if err := s.readAt(frame, frameOff); err != nil {
		return nil, errors.Wrapf(err, "read record %d", recid)
	}

	want := binary.LittleEndian.Uint64(frame[12:])
	data := frame[frameHeaderSize:]
	if xxhash.Sum64(data) != want {
		return nil, errors.Wrapf(ErrChecksum, "recid %d", recid)
	}

	s.cache.Add(recid, data)
	return data, nil
}

func (s *Store) readAt(buf []byte, offset int64) error {
	if s.mapped != nil && offset+int64(len(buf)) <= int64(len(s.mapped)) {
		copy(buf, s.mapped[offset:])
		return nil
	}
	_, err := s.file.ReadAt(buf, offset)
	return err
}

// Insert persists a fresh object and returns its record id.
func (s *Store) Insert(v any, ser Serializer) (uint64, error) {
	if s.closed {
		return 0, ErrStoreClosed
	}
	var buf bytes.Buffer
	if err := ser.Serialize(&buf, v); err != nil {
		return 0, err
	}

	recid := s.next
	s.next++
	if err := s.appendFrame(recid, buf.Bytes()); err != nil {
		return 0, err
	}
	s.cache.Add(recid, buf.Bytes())
	return recid, nil
}

// Fetch loads and deserializes the record.
func (s *Store) Fetch(recid uint64, ser Serializer) (any, error) {
	if s.closed {
		return nil, ErrStoreClosed
	}
	data, err := s.payload(recid)
	if err != nil {
		return nil, err
	}
	return ser.Deserialize(bytes.NewReader(data))
}

// Update overwrites the record. The new payload is appended; the old
// frame becomes dead space until Compact.
func (s *Store) Update(recid uint64, v any, ser Serializer) error {
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.index[recid]; !ok {
		return errors.Wrapf(ErrRecordNotFound, "update recid %d", recid)
	}
	var buf bytes.Buffer
	if err := ser.Serialize(&buf, v); err != nil {
		return err
	}
	if err := s.appendFrame(recid, buf.Bytes()); err != nil {
		return err
	}
	s.cache.Add(recid, buf.Bytes())
	return nil
}

// Delete frees the record.
func (s *Store) Delete(recid uint64) error {
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.index[recid]; !ok {
		return errors.Wrapf(ErrRecordNotFound, "delete recid %d", recid)
	}
	if err := s.appendTombstone(recid); err != nil {
		return err
	}
	delete(s.index, recid)
	s.cache.Remove(recid)
	return nil
}

// FetchRaw returns the record's payload bytes without deserializing.
func (s *Store) FetchRaw(recid uint64) ([]byte, error) {
	if s.closed {
		return nil, ErrStoreClosed
	}
	data, err := s.payload(recid)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// ForceInsert stores payload under a caller-chosen recid; defrag uses it
// to rebuild a store with recids preserved.
func (s *Store) ForceInsert(recid uint64, payload []byte) error {
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.index[recid]; ok {
		return errors.Wrapf(ErrRecidExists, "force insert recid %d", recid)
	}
	if err := s.appendFrame(recid, payload); err != nil {
		return err
	}
	if recid >= s.next {
		s.next = recid + 1
	}
	return nil
}

// DefaultSerializer returns the fallback codec for arbitrary objects.
func (s *Store) DefaultSerializer() Serializer {
	return DefaultSerializer()
}

// Compact copies every live record into dst in recid order, dropping
// dead frames. dst should be a freshly created store.
func (s *Store) Compact(dst *Store) error {
	if s.closed {
		return ErrStoreClosed
	}

	recids := make([]uint64, 0, len(s.index))
	for recid := range s.index {
		recids = append(recids, recid)
	}
	sort.Slice(recids, func(i, j int) bool { return recids[i] < recids[j] })

	for _, recid := range recids {
		data, err := s.payload(recid)
		if err != nil {
			return err
		}
		if err := dst.ForceInsert(recid, data); err != nil {
			return err
		}
	}

	s.logger.Info("compacted store",
		"records", len(recids),
		"before", s.size,
		"after", dst.size,
	)
	return nil
}

// Sync flushes appended frames to disk.
func (s *Store) Sync() error {
	if s.closed {
		return ErrStoreClosed
	}
	if s.mapped != nil {
		if err := mmap.Sync(s.mapped); err != nil {
			return errors.Wrap(err, "msync record file")
		}
	}
	return errors.Wrap(s.file.Sync(), "sync record file")
}

// Close syncs and releases the store.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	err := s.file.Sync()
	if s.mapped != nil {
		if uerr := mmap.Unmap(s.mapped); err == nil {
			err = uerr
		}
		s.mapped = nil
	}
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.cache.Purge()
	return errors.Wrap(err, "close record file")
}
