package dto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// AgencyReport is the body of POST /agency/report. On the msgpack wire the
// struct may arrive positionally ([version, config, data]) or keyed by field
// name; both forms decode to the same value.
type AgencyReport struct {
	Version string         `json:"version" msgpack:"version"`
	Config  ReporterConfig `json:"config" msgpack:"config"`
	Data    EvidenceList   `json:"data" msgpack:"data"`
}

type ReporterConfig struct {
	HTTP        bool   `json:"http" msgpack:"http"`
	TxJunk      bool   `json:"tx_junk" msgpack:"tx_junk"`
	IP          string `json:"ip" msgpack:"ip"`
	Path        string `json:"path" msgpack:"path"`
	RetryCount  int64  `json:"retry_count" msgpack:"retry_count"`
	TimeoutSecs int64  `json:"timeout_secs" msgpack:"timeout_secs"`
	ProbeCount  int64  `json:"probe_count" msgpack:"probe_count"`
}

type EvidenceItem struct {
	Domain   string `json:"domain"`
	Evidence string `json:"evidence"`
}

// EvidenceList keeps every (domain, evidence) pair in arrival order, including
// repeated map keys, so duplicates can be rejected instead of silently merged.
type EvidenceList []EvidenceItem

var evidenceVariants = []string{"Ok", "Blocked", "ConnectError", "Error"}

func (r *AgencyReport) DecodeMsgpack(d *msgpack.Decoder) error {
	c, err := d.PeekCode()
	if err != nil {
		return err
	}
	if isArrayCode(c) {
		n, err := d.DecodeArrayLen()
		if err != nil {
			return err
		}
		if n < 3 {
			return fmt.Errorf("agency report: expected 3 fields, got %d", n)
		}
		if r.Version, err = d.DecodeString(); err != nil {
			return fmt.Errorf("version: %w", err)
		}
		if err := r.Config.DecodeMsgpack(d); err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if err := r.Data.DecodeMsgpack(d); err != nil {
			return fmt.Errorf("data: %w", err)
		}
		return skipN(d, n-3)
	}

	n, err := d.DecodeMapLen()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		key, err := d.DecodeString()
		if err != nil {
			return err
		}
		switch key {
		case "version":
			if r.Version, err = d.DecodeString(); err != nil {
				return fmt.Errorf("version: %w", err)
			}
		case "config":
			if err := r.Config.DecodeMsgpack(d); err != nil {
				return fmt.Errorf("config: %w", err)
			}
		case "data":
			if err := r.Data.DecodeMsgpack(d); err != nil {
				return fmt.Errorf("data: %w", err)
			}
		default:
			if err := d.Skip(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *ReporterConfig) DecodeMsgpack(d *msgpack.Decoder) error {
	code, err := d.PeekCode()
	if err != nil {
		return err
	}

	fields := []string{"http", "tx_junk", "ip", "path", "retry_count", "timeout_secs", "probe_count"}
	if isArrayCode(code) {
		n, err := d.DecodeArrayLen()
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if i >= len(fields) {
				if err := d.Skip(); err != nil {
					return err
				}
				continue
			}
			if err := c.decodeField(d, fields[i]); err != nil {
				return err
			}
		}
		return nil
	}

	n, err := d.DecodeMapLen()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		key, err := d.DecodeString()
		if err != nil {
			return err
		}
		if err := c.decodeField(d, key); err != nil {
			return err
		}
	}
	return nil
}

func (c *ReporterConfig) decodeField(d *msgpack.Decoder, name string) error {
	var err error
	switch name {
	case "http":
		c.HTTP, err = d.DecodeBool()
	case "tx_junk":
		c.TxJunk, err = d.DecodeBool()
	case "ip":
		var raw interface{}
		if raw, err = d.DecodeInterfaceLoose(); err == nil {
			c.IP, err = addressFromLoose(raw)
		}
	case "path":
		c.Path, err = d.DecodeString()
	case "retry_count":
		c.RetryCount, err = d.DecodeInt64()
	case "timeout_secs":
		c.TimeoutSecs, err = d.DecodeInt64()
	case "probe_count":
		c.ProbeCount, err = d.DecodeInt64()
	default:
		err = d.Skip()
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (l *EvidenceList) DecodeMsgpack(d *msgpack.Decoder) error {
	n, err := d.DecodeMapLen()
	if err != nil {
		return err
	}
	items := make(EvidenceList, 0, max(n, 0))
	for i := 0; i < n; i++ {
		name, err := d.DecodeString()
		if err != nil {
			return err
		}
		raw, err := d.DecodeInterfaceLoose()
		if err != nil {
			return err
		}
		outcome, err := evidenceFromLoose(raw)
		if err != nil {
			return fmt.Errorf("domain %q: %w", name, err)
		}
		items = append(items, EvidenceItem{Domain: name, Evidence: outcome})
	}
	*l = items
	return nil
}

func (l EvidenceList) EncodeMsgpack(e *msgpack.Encoder) error {
	if err := e.EncodeMapLen(len(l)); err != nil {
		return err
	}
	for _, item := range l {
		if err := e.EncodeString(item.Domain); err != nil {
			return err
		}
		if err := e.EncodeString(item.Evidence); err != nil {
			return err
		}
	}
	return nil
}

// UnmarshalJSON accepts {"domain": "evidence", ...} with repeated keys
// preserved, or [{"domain": ..., "evidence": ...}, ...].
func (l *EvidenceList) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []EvidenceItem
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return err
		}
		*l = items
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.New("evidence: expected object or array")
	}

	var items EvidenceList
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := keyTok.(string)
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("domain %q: %w", name, err)
		}
		items = append(items, EvidenceItem{Domain: name, Evidence: value})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*l = items
	return nil
}

func (l EvidenceList) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, item := range l {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(item.Domain)
		value, _ := json.Marshal(item.Evidence)
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// evidenceFromLoose maps an enum value as serialised by common msgpack
// encoders: the variant name, its index, or a single-entry variant map.
func evidenceFromLoose(raw interface{}) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case int64:
		return variantByIndex(v)
	case uint64:
		return variantByIndex(int64(v))
	case map[string]interface{}:
		for name := range v {
			if len(v) == 1 {
				return name, nil
			}
		}
	case []interface{}:
		if len(v) > 0 {
			return evidenceFromLoose(v[0])
		}
	}
	return "", fmt.Errorf("unsupported evidence value %v", raw)
}

func variantByIndex(i int64) (string, error) {
	if i < 0 || i >= int64(len(evidenceVariants)) {
		return "", fmt.Errorf("evidence index %d out of range", i)
	}
	return evidenceVariants[i], nil
}

// addressFromLoose accepts an address as text, raw 4/16 bytes, an octet
// array, or a {"V4": [...]} style variant map.
func addressFromLoose(raw interface{}) (string, error) {
	switch v := raw.(type) {
	case string:
		if addr, err := netip.ParseAddr(strings.TrimSpace(v)); err == nil {
			return addr.String(), nil
		}
		if addr, ok := netip.AddrFromSlice([]byte(v)); ok {
			return addr.Unmap().String(), nil
		}
		return v, nil
	case []interface{}:
		octets := make([]byte, 0, len(v))
		for _, o := range v {
			n, ok := toInt(o)
			if !ok || n < 0 || n > 255 {
				return "", errors.New("address octet out of range")
			}
			octets = append(octets, byte(n))
		}
		if addr, ok := netip.AddrFromSlice(octets); ok {
			return addr.String(), nil
		}
	case map[string]interface{}:
		for _, inner := range v {
			return addressFromLoose(inner)
		}
	}
	return "", fmt.Errorf("unsupported address value %v", raw)
}

func toInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	}
	return 0, false
}

func isArrayCode(c byte) bool {
	return msgpcode.IsFixedArray(c) || c == msgpcode.Array16 || c == msgpcode.Array32
}

func skipN(d *msgpack.Decoder, n int) error {
	for i := 0; i < n; i++ {
		if err := d.Skip(); err != nil {
			return err
		}
	}
	return nil
}
