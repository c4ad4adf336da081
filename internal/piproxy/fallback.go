package piproxy

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/valyala/fastjson"
	"gopkg.in/yaml.v3"
)

// Canned payloads served when upstream stays unreachable after all retries.
var builtinFallback = map[EndpointName]string{
	EndpointNetworkStatus: `{
		"mining_rewards": {
			"total": 10554328661.146,
			"distributed": 6860313629.745,
			"locked": 5120820450.893,
			"unlocked": 1739493178.852
		},
		"supply": {
			"circulating": 6860313629.745,
			"effective_total": 10554328661.146
		}
	}`,
	EndpointLatestTransactions: `[
		{"id": "sample-transaction-1", "account": "GBFX...6WGJ", "amount": 62, "type": "Chuyển", "status": "Thành công", "time": "vài giây trước"},
		{"id": "sample-transaction-2", "account": "GDEE...4UJF", "amount": 39.37, "type": "Chuyển", "status": "Thành công", "time": "1 phút trước"}
	]`,
	EndpointLatestBlocks: `[
		{"id": "sample-block-1", "timestamp": "", "transactions": 15, "time": "vài giây trước"},
		{"id": "sample-block-2", "timestamp": "", "transactions": 23, "time": "1 phút trước"}
	]`,
	EndpointStatus: `{"status": "ok", "api_version": "1.0", "server_time": ""}`,
}

// blockSpacing is the age step applied to "timestamp" fields of list fallbacks.
const blockSpacing = time.Minute

// FallbackTable is the read-only set of canned payloads. It is built once at
// startup and never written by request handling.
type FallbackTable struct {
	entries map[EndpointName]fallbackEntry
	now     func() time.Time

	parsers fastjson.ParserPool
	arenas  fastjson.ArenaPool
}

// Only built-in entries carry placeholder timestamps. Entries from the
// fallback file are served as written.
type fallbackEntry struct {
	raw     []byte
	restamp bool
}

// NewFallbackTable returns the built-in table, extended or overridden by the
// YAML file at path when path is not empty.
func NewFallbackTable(path string) (*FallbackTable, error) {
	entries := make(map[EndpointName]fallbackEntry, len(builtinFallback))
	for name, raw := range builtinFallback {
		entries[name] = fallbackEntry{raw: []byte(raw), restamp: true}
	}
	if path != "" {
		extra, err := loadFallbackFile(path)
		if err != nil {
			return nil, fmt.Errorf("fallback file %s: %w", path, err)
		}
		for name, raw := range extra {
			entries[name] = fallbackEntry{raw: raw}
		}
	}
	for name, e := range entries {
		if err := fastjson.ValidateBytes(e.raw); err != nil {
			return nil, fmt.Errorf("fallback %q: %w", name, err)
		}
	}
	return &FallbackTable{entries: entries, now: time.Now}, nil
}

func loadFallbackFile(path string) (map[EndpointName][]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	out := make(map[EndpointName][]byte, len(doc))
	for name, v := range doc {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[EndpointName(name)] = raw
	}
	return out, nil
}

// Lookup returns the canned payload for endpoint, if there is one. For built-in
// entries, top-level "server_time" and per-element "timestamp" fields are
// stamped relative to now.
func (f *FallbackTable) Lookup(endpoint EndpointName) ([]byte, bool) {
	e, ok := f.entries[endpoint]
	if !ok {
		return nil, false
	}
	if !e.restamp {
		return append([]byte(nil), e.raw...), true
	}
	return f.restamp(e.raw), true
}

func (f *FallbackTable) Has(endpoint EndpointName) bool {
	_, ok := f.entries[endpoint]
	return ok
}

func (f *FallbackTable) restamp(raw []byte) []byte {
	p := f.parsers.Get()
	defer f.parsers.Put(p)
	a := f.arenas.Get()
	defer f.arenas.Put(a)

	v, err := p.ParseBytes(raw)
	if err != nil {
		// validated at construction
		return raw
	}
	now := f.now().UTC()

	switch v.Type() {
	case fastjson.TypeObject:
		if v.Exists("server_time") {
			v.Set("server_time", a.NewString(now.Format(time.RFC3339Nano)))
		}
	case fastjson.TypeArray:
		for i, el := range v.GetArray() {
			if el.Type() == fastjson.TypeObject && el.Exists("timestamp") {
				ts := now.Add(-time.Duration(i) * blockSpacing)
				el.Set("timestamp", a.NewString(ts.Format(time.RFC3339Nano)))
			}
		}
	}
	return v.MarshalTo(nil)
}
