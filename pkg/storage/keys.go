package storage

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
)

const sep = 0x00

var (
	recordPrefixByte  = []byte{'r', sep}
	indexPrefixByte   = []byte{'i', sep}
	versionKey        = []byte("m\x00version")
	catalogStoreBytes = []byte("m\x00store\x00")
	catalogIndexBytes = []byte("m\x00index\x00")
)

func join(parts ...string) []byte {
	var buf bytes.Buffer
	for i, p := range parts {
		if i > 0 {
			buf.WriteByte(sep)
		}
		buf.WriteString(p)
	}
	return buf.Bytes()
}

// recordKey: r 0x00 store 0x00 id
func recordKey(store, id string) []byte {
	return append(append([]byte{}, recordPrefixByte...), join(store, id)...)
}

func recordPrefix(store string) []byte {
	return append(append([]byte{}, recordPrefixByte...), join(store, "")...)
}

// indexKey: i 0x00 store 0x00 index 0x00 value 0x00 id
func indexKey(store, index, value, id string) []byte {
	return append(append([]byte{}, indexPrefixByte...), join(store, index, value, id)...)
}

func indexPrefix(store, index string) []byte {
	return append(append([]byte{}, indexPrefixByte...), join(store, index, "")...)
}

func indexValuePrefix(store, index, value string) []byte {
	return append(append([]byte{}, indexPrefixByte...), join(store, index, value, "")...)
}

func catalogStoreKey(store string) []byte {
	return append(append([]byte{}, catalogStoreBytes...), store...)
}

func catalogIndexKey(store, index string) []byte {
	return append(append([]byte{}, catalogIndexBytes...), join(store, index)...)
}

// idFromIndexKey extracts the trailing record id from an index key.
func idFromIndexKey(key []byte) string {
	i := bytes.LastIndexByte(key, sep)
	if i < 0 {
		return ""
	}
	return string(key[i+1:])
}

// idFromRecordKey strips the store prefix from a record key.
func idFromRecordKey(key []byte, store string) string {
	return string(key[len(recordPrefix(store)):])
}

// timeValue renders t as fixed-width hex unix millis so that lexical key
// order equals time order. The zero time sorts first.
func timeValue(t time.Time) string {
	var ms int64
	if !t.IsZero() {
		ms = t.UnixMilli()
	}
	if ms < 0 {
		ms = 0
	}
	return fmt.Sprintf("%016x", uint64(ms))
}

func boolValue(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func parseVersion(raw []byte) (int, error) {
	v, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid schema version %q: %w", raw, err)
	}
	return v, nil
}
