package ident

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Job ids are content-derived: hex(SHA256(job_type || canonical_json(params))).
// Equivalent submissions therefore collapse onto the same id, which is what
// makes the submit path idempotent.

const taskIDPrefixLen = 12

// JobID derives the deterministic 64-char job id for a submission.
func JobID(jobType string, parameters map[string]interface{}) string {
	var sb strings.Builder
	sb.WriteString(jobType)
	writeCanonical(&sb, parameters)
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// TaskID derives the task id {job_id[:12]}-s{stage}-{index_token}. The index
// token is zero-padded so lexical order matches numeric order for any
// realistic fan-out; every character stays in [A-Za-z0-9-].
func TaskID(jobID string, stage int, taskIndex int) string {
	prefix := jobID
	if len(prefix) > taskIDPrefixLen {
		prefix = prefix[:taskIDPrefixLen]
	}
	return fmt.Sprintf("%s-s%d-%04d", prefix, stage, taskIndex)
}

// RequestID derives the idempotency record id for an external submission.
func RequestID(datasetID, resourceID, versionID string) string {
	sum := sha256.Sum256([]byte(datasetID + resourceID + versionID))
	return hex.EncodeToString(sum[:])
}

// writeCanonical renders a JSON-like value with sorted object keys and
// normalized scalars, so map iteration order and int-vs-float encoding
// differences cannot change the derived id.
func writeCanonical(sb *strings.Builder, v interface{}) {
	switch t := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		sb.WriteString(strconv.FormatBool(t))
	case string:
		sb.WriteString(strconv.Quote(t))
	case float64:
		writeNumber(sb, t)
	case float32:
		writeNumber(sb, float64(t))
	case int:
		sb.WriteString(strconv.FormatInt(int64(t), 10))
	case int32:
		sb.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		sb.WriteString(strconv.FormatInt(t, 10))
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Quote(k))
			sb.WriteByte(':')
			writeCanonical(sb, t[k])
		}
		sb.WriteByte('}')
	case []interface{}:
		sb.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, e)
		}
		sb.WriteByte(']')
	default:
		sb.WriteString(strconv.Quote(fmt.Sprint(t)))
	}
}

// writeNumber renders integral floats without a fractional part, so 3 and
// 3.0 canonicalize identically after a JSON round trip.
func writeNumber(sb *strings.Builder, f float64) {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1e15 {
		sb.WriteString(strconv.FormatInt(int64(f), 10))
		return
	}
	sb.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
}
