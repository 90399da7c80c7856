package scan

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Status represents where a request sits in the fetch/scan lifecycle.
type Status string

// Status values carried on every record.
const (
	StatusFetching    Status = "fetching"
	StatusPendingScan Status = "pending_scan"
	StatusCacheHit    Status = "cache_hit"
	StatusScanning    Status = "scanning"
	StatusResolved    Status = "resolved"
	StatusFailed      Status = "failed"
)

// Terminal reports whether no further work is expected for the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCacheHit, StatusResolved, StatusFailed:
		return true
	default:
		return false
	}
}

// DefaultResponseTime is the polling deadline used when a record does not carry one.
const DefaultResponseTime = 60 * time.Second

// Options holds the recognized request flags plus any opaque pass-through keys.
type Options struct {
	BypassCache      bool
	BypassReadCache  bool
	FallWithUpstream bool
	// Extra preserves keys this service does not interpret so they survive a round trip.
	Extra map[string]json.RawMessage
}

var optionAliases = map[string][]string{
	"bypassCache":      {"bypassCache", "bypass_cache"},
	"bypassReadCache":  {"bypassReadCache", "bypass_read_cache"},
	"fallWithUpstream": {"fallWithUpstream", "fall_with_upstream"},
}

// SkipsCacheRead reports whether cached verdicts must be ignored for this request.
func (o *Options) SkipsCacheRead() bool {
	return o != nil && (o.BypassCache || o.BypassReadCache)
}

// FallsWithUpstream reports whether fetch failures should be surfaced to the caller as-is.
func (o *Options) FallsWithUpstream() bool {
	return o != nil && o.FallWithUpstream
}

// Clone returns a deep copy of the options.
func (o *Options) Clone() *Options {
	if o == nil {
		return nil
	}
	cp := *o
	if o.Extra != nil {
		cp.Extra = make(map[string]json.RawMessage, len(o.Extra))
		for k, v := range o.Extra {
			cp.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &cp
}

// UnmarshalJSON accepts camelCase and snake_case flag names and keeps unknown keys.
func (o *Options) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode options: %w", err)
	}
	flags := map[string]*bool{
		"bypassCache":      &o.BypassCache,
		"bypassReadCache":  &o.BypassReadCache,
		"fallWithUpstream": &o.FallWithUpstream,
	}
	for name, dst := range flags {
		for _, alias := range optionAliases[name] {
			val, ok := raw[alias]
			if !ok {
				continue
			}
			delete(raw, alias)
			*dst = *dst || truthy(val)
		}
	}
	o.Extra = nil
	if len(raw) > 0 {
		o.Extra = raw
	}
	return nil
}

// MarshalJSON writes the recognized flags in camelCase alongside the pass-through keys.
func (o Options) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(o.Extra)+3)
	for k, v := range o.Extra {
		out[k] = v
	}
	if o.BypassCache {
		out["bypassCache"] = true
	}
	if o.BypassReadCache {
		out["bypassReadCache"] = true
	}
	if o.FallWithUpstream {
		out["fallWithUpstream"] = true
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode options: %w", err)
	}
	return data, nil
}

// truthy mirrors loose flag semantics: true, non-zero numbers and non-empty strings enable a flag.
func truthy(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != "" && t != "false" && t != "0"
	default:
		return false
	}
}

// Verdict describes a scan outcome.
type Verdict struct {
	Malicious bool   `json:"malicious"`
	Result    string `json:"result"`
}

// CacheEntry is the snapshot returned by a fingerprint-keyed verdict store.
type CacheEntry struct {
	Fingerprint string `json:"fingerprint,omitempty"`
	Malicious   *bool  `json:"malicious,omitempty"`
	Result      string `json:"result,omitempty"`
}

// Hit reports whether the entry carries a complete prior verdict.
func (e CacheEntry) Hit() bool {
	return e.Malicious != nil && e.Result != ""
}

// Record carries one fetch/scan request and its accumulated results.
type Record struct {
	Resource            string   `json:"resource"`
	Options             *Options `json:"options,omitempty"`
	MessageID           string   `json:"messageId,omitempty"`
	BlobKey             string   `json:"blobKey,omitempty"`
	Fingerprint         string   `json:"fingerprint,omitempty"`
	Malicious           *bool    `json:"malicious,omitempty"`
	Result              string   `json:"result,omitempty"`
	Cached              bool     `json:"cached,omitempty"`
	StatusCode          int      `json:"statusCode,omitempty"`
	ErrorMessage        string   `json:"errorMessage,omitempty"`
	ErrorDetail         string   `json:"errorDetail,omitempty"`
	DeleteBlobOnSettle  bool     `json:"deleteBlobOnSettle,omitempty"`
	ResponseTimeSeconds int      `json:"responseTimeSeconds,omitempty"`
	NonCachedEcho       bool     `json:"nonCachedEcho,omitempty"`
	Status              Status   `json:"status,omitempty"`
}

// Key returns the request identity used by the result and status stores.
func (r Record) Key() string {
	return RequestKey(r.Resource)
}

// RequestKey derives a stable store key from a resource reference.
func RequestKey(resource string) string {
	sum := sha256.Sum256([]byte(resource))
	return hex.EncodeToString(sum[:])
}

// HasVerdict reports whether a verdict string is present.
func (r Record) HasVerdict() bool {
	return r.Result != ""
}

// Terminal reports whether the record needs no further scanning.
func (r Record) Terminal() bool {
	return r.HasVerdict() || r.Status.Terminal()
}

// Failed reports whether the record carries failure fields.
func (r Record) Failed() bool {
	return r.StatusCode != 0
}

// ResponseTimeout returns the caller's polling deadline.
func (r Record) ResponseTimeout() time.Duration {
	if r.ResponseTimeSeconds <= 0 {
		return DefaultResponseTime
	}
	return time.Duration(r.ResponseTimeSeconds) * time.Second
}

// WithVerdict sets both verdict fields.
func (r Record) WithVerdict(v Verdict) Record {
	malicious := v.Malicious
	r.Malicious = &malicious
	r.Result = v.Result
	return r
}

// ClearVerdict drops any verdict fields.
func (r Record) ClearVerdict() Record {
	r.Malicious = nil
	r.Result = ""
	return r
}

// WithFailure attaches failure fields from err.
func (r Record) WithFailure(err *FetchError) Record {
	r.StatusCode = err.StatusCode
	r.ErrorMessage = err.Message
	r.ErrorDetail = err.Detail
	r.Status = StatusFailed
	return r
}

// Sanitized turns a failed record into a benign non-match.
func (r Record) Sanitized() Record {
	msg := r.ErrorMessage
	r = r.WithVerdict(Verdict{Malicious: false, Result: "#" + msg})
	r.StatusCode = 0
	r.ErrorMessage = ""
	r.ErrorDetail = ""
	r.Status = StatusResolved
	return r
}

// ForResultStore strips fields that only matter while the request is in flight.
func (r Record) ForResultStore() Record {
	r.DeleteBlobOnSettle = false
	r.BlobKey = ""
	r.Options = nil
	return r
}

// Clone returns a copy that shares no mutable state with r.
func (r Record) Clone() Record {
	r.Options = r.Options.Clone()
	if r.Malicious != nil {
		m := *r.Malicious
		r.Malicious = &m
	}
	return r
}

// Message is one item received from a work queue.
type Message struct {
	ID     string
	Handle string
	Body   []byte
}
