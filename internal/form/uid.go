package form

import (
	"strconv"
	"sync/atomic"
)

// Issuer hands out process-local field uids. Values are never reissued.
type Issuer struct {
	prefix string
	next   atomic.Uint64
}

// NewIssuer returns an issuer whose uids look like "<prefix>-1", "<prefix>-2", ...
func NewIssuer(prefix string) *Issuer {
	if prefix == "" {
		prefix = "f"
	}
	return &Issuer{prefix: prefix}
}

// Next returns a fresh uid.
func (i *Issuer) Next() string {
	return i.prefix + "-" + strconv.FormatUint(i.next.Add(1), 10)
}

// WithStableUIDs returns a copy of fields in which every field (group children
// included) lacking a uid has been given one. Existing uids are kept, so
// applying it again is a no-op.
func WithStableUIDs(fields []Field, ids *Issuer) []Field {
	if fields == nil {
		return nil
	}
	out := make([]Field, len(fields))
	for i, field := range fields {
		if field.UID == "" {
			field.UID = ids.Next()
		}
		if len(field.Fields) > 0 {
			field.Fields = WithStableUIDs(field.Fields, ids)
		}
		out[i] = field
	}
	return out
}

// StripUIDs returns a copy of fields with every uid removed, for handing a
// document to a collaborator that must never see them.
func StripUIDs(fields []Field) []Field {
	if fields == nil {
		return nil
	}
	out := make([]Field, len(fields))
	for i, field := range fields {
		field.UID = ""
		if len(field.Fields) > 0 {
			field.Fields = StripUIDs(field.Fields)
		}
		out[i] = field
	}
	return out
}
