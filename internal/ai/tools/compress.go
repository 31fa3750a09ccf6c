package tools

import (
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// compressor turns a full tool result into the form appended to the model
// transcript. The full result stays available to the caller.
type compressor func(full []byte) string

const (
	maxCompressedChars = 2000
	maxListItems       = 10
	maxHitChars        = 200
	truncatedSuffix    = "...[truncated]"
)

func compressDefault(full []byte) string {
	return clip(string(full), maxCompressedChars)
}

func compressProfile(full []byte) string {
	out := full
	for _, path := range []string{"user_id", "auto_save", "created_at_unix_ms", "updated_at_unix_ms"} {
		if next, err := sjson.DeleteBytes(out, path); err == nil {
			out = next
		}
	}
	return clip(string(out), maxCompressedChars)
}

func compressMeals(full []byte) string {
	return project(full, []string{"days", "count", "total_calories"}, "items",
		[]string{"meal_type", "name", "calories", "protein_g", "eaten_at_unix_ms"})
}

func compressActivities(full []byte) string {
	return project(full, []string{"days", "count", "total_minutes"}, "activities",
		[]string{"kind", "duration_min", "distance_km", "intensity", "performed_at_unix_ms"})
}

// compressMeasurements keeps per-kind trends and only the latest readings.
func compressMeasurements(full []byte) string {
	return project(full, []string{"days", "count", "trend"}, "measurements",
		[]string{"kind", "value", "unit", "measured_at_unix_ms"})
}

func compressHits(full []byte) string {
	out := []byte(`{"hits":[]}`)
	out = copyFields(out, full, "query", "count")
	for i, h := range gjson.GetBytes(full, "hits").Array() {
		if i >= maxListItems {
			break
		}
		item := []byte(`{}`)
		item, _ = sjson.SetBytes(item, "kind", h.Get("kind").String())
		item, _ = sjson.SetBytes(item, "content", clip(h.Get("content").String(), maxHitChars))
		out, _ = sjson.SetRawBytes(out, "hits.-1", item)
	}
	return string(out)
}

// compressContext drops per-section copies and stats; the context string is
// already budgeted.
func compressContext(full []byte) string {
	return string(copyFields([]byte(`{}`), full, "context", "sources_used"))
}

// compressMutation reports counts and totals only; item lists and record
// ids stay in the full result.
func compressMutation(full []byte) string {
	return string(copyFields([]byte(`{}`), full,
		"status", "action_id", "summary", "note", "items_logged", "totals", "kind", "value", "unit", "duration_min"))
}

func project(full []byte, keep []string, list string, fields []string) string {
	out := copyFields([]byte(`{}`), full, keep...)
	arr := gjson.GetBytes(full, list).Array()
	out, _ = sjson.SetRawBytes(out, list, []byte(`[]`))
	for i, it := range arr {
		if i >= maxListItems {
			break
		}
		item := []byte(`{}`)
		for _, f := range fields {
			if v := it.Get(f); v.Exists() {
				item, _ = sjson.SetRawBytes(item, f, []byte(v.Raw))
			}
		}
		out, _ = sjson.SetRawBytes(out, list+".-1", item)
	}
	if len(arr) > maxListItems {
		out, _ = sjson.SetBytes(out, "omitted", len(arr)-maxListItems)
	}
	return clip(string(out), maxCompressedChars)
}

func copyFields(dst []byte, src []byte, paths ...string) []byte {
	for _, p := range paths {
		v := gjson.GetBytes(src, p)
		if !v.Exists() {
			continue
		}
		if next, err := sjson.SetRawBytes(dst, p, []byte(v.Raw)); err == nil {
			dst = next
		}
	}
	return dst
}

func clip(s string, maxChars int) string {
	if utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	runes := []rune(s)
	keep := maxChars - utf8.RuneCountInString(truncatedSuffix)
	return strings.TrimSpace(string(runes[:keep])) + truncatedSuffix
}
