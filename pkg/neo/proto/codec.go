package proto

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/e42s/neoppod/pkg/neo/ids"
)

// Encoder accumulates a packet payload using the wire's primitive
// encodings: fixed-width big-endian integers, length-prefixed byte strings,
// and length-prefixed lists (via repeated calls from the caller).
type Encoder struct {
	buf bytes.Buffer
}

func NewEncoder() *Encoder { return &Encoder{} }

func (e *Encoder) Bytes() []byte { return e.buf.Bytes() }

func (e *Encoder) PutUint8(v uint8)   { e.buf.WriteByte(v) }
func (e *Encoder) PutBool(v bool) {
	if v {
		e.buf.WriteByte(1)
	} else {
		e.buf.WriteByte(0)
	}
}
func (e *Encoder) PutUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}
func (e *Encoder) PutUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}
func (e *Encoder) PutOID(v ids.OID)   { e.PutUint64(uint64(v)) }
func (e *Encoder) PutTID(v ids.TID)   { e.PutUint64(uint64(v)) }
func (e *Encoder) PutPTID(v ids.PTID) { e.PutUint64(uint64(v)) }
func (e *Encoder) PutUUID(v ids.UUID) { e.buf.Write(v[:]) }

// PutRaw writes b verbatim with no length prefix; used for fixed-size
// fields (e.g. a checksum) whose length is implied by the packet layout.
func (e *Encoder) PutRaw(b []byte) { e.buf.Write(b) }

// PutBytes writes a uint32 length prefix followed by the raw bytes.
func (e *Encoder) PutBytes(v []byte) {
	e.PutUint32(uint32(len(v)))
	e.buf.Write(v)
}

func (e *Encoder) PutString(v string) { e.PutBytes([]byte(v)) }

// PutOIDList writes a uint32 count followed by each OID.
func (e *Encoder) PutOIDList(v []ids.OID) {
	e.PutUint32(uint32(len(v)))
	for _, oid := range v {
		e.PutOID(oid)
	}
}

func (e *Encoder) PutUUIDList(v []ids.UUID) {
	e.PutUint32(uint32(len(v)))
	for _, u := range v {
		e.PutUUID(u)
	}
}

// Decoder reads primitives back out of a packet payload in the same order
// an Encoder wrote them. Every method may set the Decoder's sticky error,
// checked once via Err after a packet's Decode method returns.
type Decoder struct {
	r   *bytes.Reader
	err error
}

func NewDecoder(payload []byte) *Decoder {
	return &Decoder{r: bytes.NewReader(payload)}
}

func (d *Decoder) Err() error { return d.err }

func (d *Decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *Decoder) GetUint8() uint8 {
	b, err := d.r.ReadByte()
	if err != nil {
		d.fail(err)
		return 0
	}
	return b
}

func (d *Decoder) GetBool() bool { return d.GetUint8() != 0 }

func (d *Decoder) GetUint32() uint32 {
	var b [4]byte
	if _, err := io.ReadFull(d.r, b[:]); err != nil {
		d.fail(err)
		return 0
	}
	return binary.BigEndian.Uint32(b[:])
}

func (d *Decoder) GetUint64() uint64 {
	var b [8]byte
	if _, err := io.ReadFull(d.r, b[:]); err != nil {
		d.fail(err)
		return 0
	}
	return binary.BigEndian.Uint64(b[:])
}

func (d *Decoder) GetOID() ids.OID   { return ids.OID(d.GetUint64()) }
func (d *Decoder) GetTID() ids.TID   { return ids.TID(d.GetUint64()) }
func (d *Decoder) GetPTID() ids.PTID { return ids.PTID(d.GetUint64()) }

func (d *Decoder) GetUUID() ids.UUID {
	var u ids.UUID
	if _, err := io.ReadFull(d.r, u[:]); err != nil {
		d.fail(err)
	}
	return u
}

// GetRaw reads exactly n bytes with no length prefix; the counterpart to
// PutRaw.
func (d *Decoder) GetRaw(n int) []byte {
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		d.fail(err)
		return make([]byte, n)
	}
	return buf
}

func (d *Decoder) GetBytes() []byte {
	n := d.GetUint32()
	if d.err != nil {
		return nil
	}
	if int64(n) > int64(d.r.Len()) {
		d.fail(fmt.Errorf("proto: length prefix %d exceeds remaining payload", n))
		return nil
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(d.r, buf); err != nil {
			d.fail(err)
			return nil
		}
	}
	return buf
}

func (d *Decoder) GetString() string { return string(d.GetBytes()) }

func (d *Decoder) GetOIDList() []ids.OID {
	n := d.GetUint32()
	if d.err != nil {
		return nil
	}
	out := make([]ids.OID, n)
	for i := range out {
		out[i] = d.GetOID()
	}
	return out
}

func (d *Decoder) GetUUIDList() []ids.UUID {
	n := d.GetUint32()
	if d.err != nil {
		return nil
	}
	out := make([]ids.UUID, n)
	for i := range out {
		out[i] = d.GetUUID()
	}
	return out
}
