// Package fingerprint computes stable row digests for change detection.
//
// A fingerprint is the MD5 of a canonical serialization of selected column
// values. MD5 is used for speed and compactness; fingerprints are compared
// for equality only, never used for authentication.
package fingerprint

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Wildcard selects every column of the row, in ascending column-name order.
const Wildcard = "*"

// IsWildcard reports whether the selector is the single wildcard token.
func IsWildcard(columns []string) bool {
	return len(columns) == 1 && columns[0] == Wildcard
}

// Sum computes the fingerprint of a row over the given column selector.
//
// The selector is either an explicit list of column names, hashed in the
// order given, or the wildcard ["*"], which hashes every column in ascending
// column-name order. Selected values are rendered with Canonical and joined
// with a single '|' byte before hashing. Columns named by an explicit
// selector but absent from the row are skipped.
func Sum(row map[string]any, columns []string) string {
	var values []string
	if IsWildcard(columns) {
		names := make([]string, 0, len(row))
		for name := range row {
			names = append(names, name)
		}
		sort.Strings(names)
		values = make([]string, 0, len(names))
		for _, name := range names {
			values = append(values, Canonical(row[name]))
		}
	} else {
		values = make([]string, 0, len(columns))
		for _, name := range columns {
			v, ok := row[name]
			if !ok {
				continue
			}
			values = append(values, Canonical(v))
		}
	}

	h := md5.New()
	for i, v := range values {
		if i > 0 {
			h.Write([]byte{'|'})
		}
		h.Write([]byte(v))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Canonical renders a scalar value as text, deterministically across runs
// and platforms: nil renders as the empty string, booleans as "true"/"false",
// temporal values as ISO-8601 in UTC, and numbers by their natural string
// form. Integer-valued floats render without a fractional part so that
// drivers which report integers as float64 agree with drivers that report
// int64.
func Canonical(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.FormatInt(int64(x), 10)
	case int8:
		return strconv.FormatInt(int64(x), 10)
	case int16:
		return strconv.FormatInt(int64(x), 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint:
		return strconv.FormatUint(uint64(x), 10)
	case uint8:
		return strconv.FormatUint(uint64(x), 10)
	case uint16:
		return strconv.FormatUint(uint64(x), 10)
	case uint32:
		return strconv.FormatUint(uint64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float32:
		return formatFloat(float64(x))
	case float64:
		return formatFloat(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", x)
	}
}

func formatFloat(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
