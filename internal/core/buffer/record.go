package buffer

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"time"
)

// 帧容器格式
//
//	"RBK1"
//	{ captured_at_us int64 | seq uint64 | duration_us int64 | len uint32 | payload | crc32 }*
//
// crc32 覆盖记录头和 payload，末尾不完整的记录视为写入中断
const (
	RecordMagic       = "RBK1"
	recordHeaderSize  = 28
	recordTrailerSize = 4
	maxRecordPayload  = 64 << 20
)

// RecordHeader 单条记录的元信息
type RecordHeader struct {
	CapturedAt time.Time
	Seq        uint64
	Duration   time.Duration
	Size       int
	// Offset payload 在文件中的偏移
	Offset int64
}

func (h RecordHeader) End() time.Time {
	return h.CapturedAt.Add(h.Duration)
}

func recordSize(payload int) int64 {
	return int64(recordHeaderSize + payload + recordTrailerSize)
}

// RecordWriter 顺序写入帧记录
type RecordWriter struct {
	w   io.Writer
	buf []byte
	off int64
}

// NewRecordWriter 写入文件头
func NewRecordWriter(w io.Writer) (*RecordWriter, error) {
	if _, err := io.WriteString(w, RecordMagic); err != nil {
		return nil, err
	}
	return &RecordWriter{w: w, off: int64(len(RecordMagic))}, nil
}

// Offset 已写入的字节数
func (rw *RecordWriter) Offset() int64 {
	return rw.off
}

// WriteRecord 一次 Write 写完整条记录，返回 payload 偏移
func (rw *RecordWriter) WriteRecord(capturedAt time.Time, seq uint64, d time.Duration, payload []byte) (int64, error) {
	if len(payload) > maxRecordPayload {
		return 0, fmt.Errorf("payload too large: %d", len(payload))
	}
	n := int(recordSize(len(payload)))
	if cap(rw.buf) < n {
		rw.buf = make([]byte, n)
	}
	buf := rw.buf[:n]
	binary.BigEndian.PutUint64(buf[0:], uint64(capturedAt.UnixMicro()))
	binary.BigEndian.PutUint64(buf[8:], seq)
	binary.BigEndian.PutUint64(buf[16:], uint64(d.Microseconds()))
	binary.BigEndian.PutUint32(buf[24:], uint32(len(payload)))
	copy(buf[recordHeaderSize:], payload)
	sum := crc32.ChecksumIEEE(buf[:recordHeaderSize+len(payload)])
	binary.BigEndian.PutUint32(buf[recordHeaderSize+len(payload):], sum)

	written, err := rw.w.Write(buf)
	offset := rw.off + recordHeaderSize
	rw.off += int64(written)
	if err != nil {
		return 0, err
	}
	return offset, nil
}

// RecordReader 顺序读取帧记录
type RecordReader struct {
	r       *bufio.Reader
	off     int64
	header  [recordHeaderSize]byte
	payload []byte
}

// NewRecordReader 校验文件头
func NewRecordReader(r io.Reader) (*RecordReader, error) {
	br := bufio.NewReaderSize(r, 64<<10)
	magic := make([]byte, len(RecordMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if string(magic) != RecordMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorruptRecord, magic)
	}
	return &RecordReader{r: br, off: int64(len(RecordMagic))}, nil
}

// Offset 下一条记录的起始偏移，也是最后一条完整记录的结束位置
func (rr *RecordReader) Offset() int64 {
	return rr.off
}

// Next 读取下一条记录
// withPayload 为 false 时跳过 payload 且不做校验，用于只需要帧时间的场景
// 正常结束返回 io.EOF，记录不完整返回 io.ErrUnexpectedEOF
func (rr *RecordReader) Next(withPayload bool) (RecordHeader, []byte, error) {
	if _, err := io.ReadFull(rr.r, rr.header[:]); err != nil {
		return RecordHeader{}, nil, err
	}
	size := binary.BigEndian.Uint32(rr.header[24:])
	if size > maxRecordPayload {
		return RecordHeader{}, nil, fmt.Errorf("%w: payload size %d", ErrCorruptRecord, size)
	}
	h := RecordHeader{
		CapturedAt: time.UnixMicro(int64(binary.BigEndian.Uint64(rr.header[0:]))),
		Seq:        binary.BigEndian.Uint64(rr.header[8:]),
		Duration:   time.Duration(int64(binary.BigEndian.Uint64(rr.header[16:]))) * time.Microsecond,
		Size:       int(size),
		Offset:     rr.off + recordHeaderSize,
	}

	var payload []byte
	if withPayload {
		if cap(rr.payload) < int(size)+recordTrailerSize {
			rr.payload = make([]byte, int(size)+recordTrailerSize)
		}
		buf := rr.payload[:int(size)+recordTrailerSize]
		if _, err := io.ReadFull(rr.r, buf); err != nil {
			return RecordHeader{}, nil, unexpected(err)
		}
		payload = buf[:size]
		crc := crc32.NewIEEE()
		_, _ = crc.Write(rr.header[:])
		_, _ = crc.Write(payload)
		if crc.Sum32() != binary.BigEndian.Uint32(buf[size:]) {
			return RecordHeader{}, nil, fmt.Errorf("%w: crc mismatch at seq %d", ErrCorruptRecord, h.Seq)
		}
	} else {
		n, err := rr.r.Discard(int(size) + recordTrailerSize)
		if err != nil || n != int(size)+recordTrailerSize {
			return RecordHeader{}, nil, unexpected(err)
		}
	}
	rr.off += recordSize(int(size))
	return h, payload, nil
}

func unexpected(err error) error {
	if err == nil || errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// scanRecords 通过 ReadAt 跳读记录头，不读取 payload
// limit 之后的数据不可见，返回最后一条完整记录的结束位置
func scanRecords(r io.ReaderAt, limit int64, fn func(RecordHeader) error) (int64, error) {
	magic := make([]byte, len(RecordMagic))
	if _, err := r.ReadAt(magic, 0); err != nil {
		return 0, unexpected(err)
	}
	if string(magic) != RecordMagic {
		return 0, fmt.Errorf("%w: bad magic %q", ErrCorruptRecord, magic)
	}

	var header [recordHeaderSize]byte
	off := int64(len(RecordMagic))
	for off+recordHeaderSize <= limit {
		if _, err := r.ReadAt(header[:], off); err != nil {
			if errors.Is(err, io.EOF) {
				return off, nil
			}
			return off, err
		}
		size := binary.BigEndian.Uint32(header[24:])
		if size > maxRecordPayload {
			return off, fmt.Errorf("%w: payload size %d at offset %d", ErrCorruptRecord, size, off)
		}
		next := off + recordSize(int(size))
		if next > limit {
			break
		}
		h := RecordHeader{
			CapturedAt: time.UnixMicro(int64(binary.BigEndian.Uint64(header[0:]))),
			Seq:        binary.BigEndian.Uint64(header[8:]),
			Duration:   time.Duration(int64(binary.BigEndian.Uint64(header[16:]))) * time.Microsecond,
			Size:       int(size),
			Offset:     off + recordHeaderSize,
		}
		if err := fn(h); err != nil {
			return off, err
		}
		off = next
	}
	return off, nil
}
