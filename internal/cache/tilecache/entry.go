package tilecache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Entry is one cached artifact. SourceVersion is the tileset generation the
// payload was computed from.
type Entry struct {
	Key           string
	Payload       []byte
	ContentType   string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	SourceVersion int64
}

// Expired reports whether e has a deadline that has passed. Static entries
// have a zero ExpiresAt and never expire.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Remaining is the time left before expiry; zero for static entries.
func (e Entry) Remaining(now time.Time) time.Duration {
	if e.ExpiresAt.IsZero() {
		return 0
	}
	if d := e.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

const entryMagic = "TC1"

var errCorruptEntry = errors.New("tilecache: corrupt entry")

// MarshalBinary lays the entry out as magic, then uvarint-length-prefixed
// strings and bytes, then varint times (unix nanos, 0 for unset).
func (e Entry) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, len(entryMagic)+len(e.Key)+len(e.ContentType)+len(e.Payload)+5*binary.MaxVarintLen64)
	buf = append(buf, entryMagic...)
	buf = appendBytes(buf, []byte(e.Key))
	buf = appendBytes(buf, []byte(e.ContentType))
	buf = binary.AppendVarint(buf, unixNano(e.CreatedAt))
	buf = binary.AppendVarint(buf, unixNano(e.ExpiresAt))
	buf = binary.AppendVarint(buf, e.SourceVersion)
	buf = appendBytes(buf, e.Payload)
	return buf, nil
}

func (e *Entry) UnmarshalBinary(b []byte) error {
	if len(b) < len(entryMagic) || string(b[:len(entryMagic)]) != entryMagic {
		return errCorruptEntry
	}
	r := reader{b: b[len(entryMagic):]}
	key := r.bytes()
	ct := r.bytes()
	created := r.varint()
	expires := r.varint()
	ver := r.varint()
	payload := r.bytes()
	if r.err != nil {
		return fmt.Errorf("%w: %v", errCorruptEntry, r.err)
	}
	*e = Entry{
		Key:           string(key),
		ContentType:   string(ct),
		CreatedAt:     fromUnixNano(created),
		ExpiresAt:     fromUnixNano(expires),
		SourceVersion: ver,
		Payload:       payload,
	}
	return nil
}

func appendBytes(buf, p []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(p)))
	return append(buf, p...)
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

type reader struct {
	b   []byte
	err error
}

func (r *reader) varint() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.b)
	if n <= 0 {
		r.err = errors.New("bad varint")
		return 0
	}
	r.b = r.b[n:]
	return v
}

func (r *reader) bytes() []byte {
	if r.err != nil {
		return nil
	}
	l, n := binary.Uvarint(r.b)
	if n <= 0 || uint64(len(r.b)-n) < l {
		r.err = errors.New("bad length")
		return nil
	}
	out := make([]byte, l)
	copy(out, r.b[n:n+int(l)])
	r.b = r.b[n+int(l):]
	return out
}
