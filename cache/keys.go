package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// RecordKey builds the "{entity}:record:{column}:{value}" key format
// (spec.md §4.4, wire-observable per §6).
func RecordKey(entity, column string, value any) string {
	return fmt.Sprintf("%s:record:%s:%v", entity, column, value)
}

// VersionKey builds the "{entity}:version" key format.
func VersionKey(entity string) string {
	return entity + ":version"
}

// ListKey builds the "{entity}:list:v{version}:{sha256hex(canonicalQuery)}"
// key format.
func ListKey(entity string, version int64, query map[string]any) string {
	return fmt.Sprintf("%s:list:v%d:%s", entity, version, sha256Hex(CanonicalQuery(query)))
}

// ListKeyPrefix builds the "{entity}:list:v{version}:" prefix used by
// gcOldListVersions to match keys belonging to a given version.
func ListKeyPrefix(entity string, version int64) string {
	return fmt.Sprintf("%s:list:v%d:", entity, version)
}

// CanonicalQuery lex-sorts query keys and URL-encodes values, joining pairs
// with "&", per spec.md §4.4/§6.
func CanonicalQuery(query map[string]any) string {
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := fmt.Sprintf("%v", query[k])
		parts = append(parts, k+"="+url.QueryEscape(v))
	}
	return strings.Join(parts, "&")
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
