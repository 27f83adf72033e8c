package database

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/opd-ai/mojito/dhterr"
	"github.com/opd-ai/mojito/kuid"
	"github.com/opd-ai/mojito/limits"
)

// RecordVersion is the version byte leading every encoded KeyValue.
const RecordVersion = 1

const flagLocal = 0x01

// Record layout (big endian):
//
//	u8   version
//	[20] key
//	[20] creator
//	[20] sender
//	u16  len, creator address
//	u8   flags (bit 0: local)
//	i64  created, unix nanoseconds
//	i64  last published, unix nanoseconds (0 when never)
//	u16  locations
//	u16  len, public key
//	u16  len, signature
//	u32  len, value

// WriteRecord encodes kv to w.
func WriteRecord(w io.Writer, kv *KeyValue) error {
	bw := bufio.NewWriter(w)

	var flags byte
	if kv.Local {
		flags |= flagLocal
	}

	bw.WriteByte(RecordVersion)
	bw.Write(kv.Key.Bytes())
	bw.Write(kv.Creator.Bytes())
	bw.Write(kv.Sender.Bytes())
	writeBytes16(bw, []byte(kv.CreatorAddr))
	bw.WriteByte(flags)
	writeTime(bw, kv.Created)
	writeTime(bw, kv.LastPublished)
	binary.Write(bw, binary.BigEndian, uint16(kv.Locations))
	writeBytes16(bw, kv.PublicKey)
	writeBytes16(bw, kv.Signature)
	binary.Write(bw, binary.BigEndian, uint32(len(kv.Value)))
	bw.Write(kv.Value)

	return bw.Flush()
}

// ReadRecord decodes one KeyValue from r.
func ReadRecord(r io.Reader) (*KeyValue, error) {
	var version [1]byte
	if _, err := io.ReadFull(r, version[:]); err != nil {
		return nil, err
	}
	if version[0] != RecordVersion {
		return nil, fmt.Errorf("%w: unsupported record version %d", dhterr.ErrProtocol, version[0])
	}

	kv := &KeyValue{}
	var err error
	if kv.Key, err = readID(r, kuid.ValueID); err != nil {
		return nil, err
	}
	if kv.Creator, err = readID(r, kuid.NodeID); err != nil {
		return nil, err
	}
	if kv.Sender, err = readID(r, kuid.NodeID); err != nil {
		return nil, err
	}

	addr, err := readBytes16(r)
	if err != nil {
		return nil, err
	}
	kv.CreatorAddr = string(addr)

	var flags [1]byte
	if _, err := io.ReadFull(r, flags[:]); err != nil {
		return nil, err
	}
	kv.Local = flags[0]&flagLocal != 0

	if kv.Created, err = readTime(r); err != nil {
		return nil, err
	}
	if kv.LastPublished, err = readTime(r); err != nil {
		return nil, err
	}

	var locations uint16
	if err := binary.Read(r, binary.BigEndian, &locations); err != nil {
		return nil, err
	}
	kv.Locations = int(locations)

	if kv.PublicKey, err = readBytes16(r); err != nil {
		return nil, err
	}
	if kv.Signature, err = readBytes16(r); err != nil {
		return nil, err
	}

	var valueLen uint32
	if err := binary.Read(r, binary.BigEndian, &valueLen); err != nil {
		return nil, err
	}
	if valueLen > limits.MaxValueSize {
		return nil, fmt.Errorf("%w: value length %d", dhterr.ErrProtocol, valueLen)
	}
	kv.Value = make([]byte, valueLen)
	if _, err := io.ReadFull(r, kv.Value); err != nil {
		return nil, unexpected(err)
	}
	return kv, nil
}

func writeBytes16(w *bufio.Writer, b []byte) {
	binary.Write(w, binary.BigEndian, uint16(len(b)))
	w.Write(b)
}

func readBytes16(r io.Reader) ([]byte, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, unexpected(err)
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, unexpected(err)
	}
	return b, nil
}

func writeTime(w *bufio.Writer, t time.Time) {
	var v int64
	if !t.IsZero() {
		v = t.UnixNano()
	}
	binary.Write(w, binary.BigEndian, v)
}

func readTime(r io.Reader) (time.Time, error) {
	var v int64
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return time.Time{}, unexpected(err)
	}
	if v == 0 {
		return time.Time{}, nil
	}
	return time.Unix(0, v), nil
}

func readID(r io.Reader, kind kuid.Kind) (kuid.KUID, error) {
	var b [kuid.Length]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return kuid.KUID{}, unexpected(err)
	}
	return kuid.FromArray(kind, b), nil
}

// unexpected turns a clean EOF in the middle of a record into ErrUnexpectedEOF.
func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
