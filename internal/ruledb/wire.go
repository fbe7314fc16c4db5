package ruledb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// On-disk encoding: a small deterministic tag-length-value format, not real
// protobuf (no protoc toolchain is available to generate one here — see
// DESIGN.md). Map keys are sorted before encoding so that identical RuleDb
// content always produces byte-identical output, satisfying spec.md's
// "stable protobuf-style encoding" requirement without a generated codec.
const ruleDbMagic = "RDB1"
const userDbMagic = "UDB1"

func putUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func putString(buf *bytes.Buffer, s string) {
	putUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func putEntry(buf *bytes.Buffer, key string, e RuleEntry) {
	putString(buf, key)
	putUvarint(buf, uint64(len(e.Rules)))
	for _, r := range e.Rules {
		putString(buf, r)
	}
	putUvarint(buf, uint64(e.LastUsed.Unix()))
	putUvarint(buf, uint64(e.LastUsed.Nanosecond()))
}

func putSection(buf *bytes.Buffer, m map[string]RuleEntry) {
	keys := sortedKeys(m)
	putUvarint(buf, uint64(len(keys)))
	for _, k := range keys {
		putEntry(buf, k, m[k])
	}
}

// EncodeRuleDb serializes a RuleDb deterministically.
func EncodeRuleDb(db *RuleDb) []byte {
	buf := &bytes.Buffer{}
	buf.WriteString(ruleDbMagic)
	putSection(buf, db.Entries)
	putSection(buf, db.Trash)
	return buf.Bytes()
}

// EncodeUserDb serializes a UserDb deterministically.
func EncodeUserDb(db *UserDb) []byte {
	buf := &bytes.Buffer{}
	buf.WriteString(userDbMagic)
	putSection(buf, db.Entries)
	return buf.Bytes()
}

type byteReader struct {
	r *bytes.Reader
}

func (b byteReader) ReadByte() (byte, error) { return b.r.ReadByte() }

func getUvarint(r *bytes.Reader) (uint64, error) {
	v, err := binary.ReadUvarint(byteReader{r})
	if err != nil {
		return 0, err
	}
	return v, nil
}

func getString(r *bytes.Reader) (string, error) {
	n, err := getUvarint(r)
	if err != nil {
		return "", err
	}
	if n > uint64(r.Len()) {
		return "", fmt.Errorf("truncated string field")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func getEntry(r *bytes.Reader) (string, RuleEntry, error) {
	key, err := getString(r)
	if err != nil {
		return "", RuleEntry{}, err
	}
	numRules, err := getUvarint(r)
	if err != nil {
		return "", RuleEntry{}, err
	}
	rules := make([]string, 0, numRules)
	for i := uint64(0); i < numRules; i++ {
		s, err := getString(r)
		if err != nil {
			return "", RuleEntry{}, err
		}
		rules = append(rules, s)
	}
	sec, err := getUvarint(r)
	if err != nil {
		return "", RuleEntry{}, err
	}
	nsec, err := getUvarint(r)
	if err != nil {
		return "", RuleEntry{}, err
	}
	return key, RuleEntry{Rules: rules, LastUsed: time.Unix(int64(sec), int64(nsec)).UTC()}, nil
}

func getSection(r *bytes.Reader) (map[string]RuleEntry, error) {
	count, err := getUvarint(r)
	if err != nil {
		return nil, err
	}
	m := make(map[string]RuleEntry, count)
	for i := uint64(0); i < count; i++ {
		k, e, err := getEntry(r)
		if err != nil {
			return nil, err
		}
		m[k] = e
	}
	return m, nil
}

// DecodeRuleDb parses data produced by EncodeRuleDb. Empty input returns an
// empty RuleDb and no error. Corrupt input returns an error; callers that
// want the "parse failure resets to empty" semantics of spec.md §4.2 should
// treat any error here as "start fresh" and log it.
func DecodeRuleDb(data []byte) (*RuleDb, error) {
	if len(data) == 0 {
		return NewRuleDb(), nil
	}
	r := bytes.NewReader(data)
	magic := make([]byte, len(ruleDbMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != ruleDbMagic {
		return nil, fmt.Errorf("bad RuleDb magic")
	}
	entries, err := getSection(r)
	if err != nil {
		return nil, fmt.Errorf("decode entries: %w", err)
	}
	trash, err := getSection(r)
	if err != nil {
		return nil, fmt.Errorf("decode trash: %w", err)
	}
	return &RuleDb{Entries: entries, Trash: trash}, nil
}

// DecodeUserDb parses data produced by EncodeUserDb.
func DecodeUserDb(data []byte) (*UserDb, error) {
	if len(data) == 0 {
		return NewUserDb(), nil
	}
	r := bytes.NewReader(data)
	magic := make([]byte, len(userDbMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != userDbMagic {
		return nil, fmt.Errorf("bad UserDb magic")
	}
	entries, err := getSection(r)
	if err != nil {
		return nil, fmt.Errorf("decode entries: %w", err)
	}
	return &UserDb{Entries: entries}, nil
}
