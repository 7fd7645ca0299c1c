// Package area holds the fixed table of crawlable areas: the 23 special
// wards of Tokyo, keyed by their 5-digit JIS X 0402 codes.
package area

import (
	"sort"
	"strings"
)

// Ward is one entry in the recognised area table.
type Ward struct {
	Code   string // 5-digit code, e.g. "13103"
	NameJa string // Japanese ward name, e.g. "港区"
	Romaji string // lowercase romanisation, e.g. "minato"
}

var wards = []Ward{
	{"13101", "千代田区", "chiyoda"},
	{"13102", "中央区", "chuo"},
	{"13103", "港区", "minato"},
	{"13104", "新宿区", "shinjuku"},
	{"13105", "文京区", "bunkyo"},
	{"13106", "台東区", "taito"},
	{"13107", "墨田区", "sumida"},
	{"13108", "江東区", "koto"},
	{"13109", "品川区", "shinagawa"},
	{"13110", "目黒区", "meguro"},
	{"13111", "大田区", "ota"},
	{"13112", "世田谷区", "setagaya"},
	{"13113", "渋谷区", "shibuya"},
	{"13114", "中野区", "nakano"},
	{"13115", "杉並区", "suginami"},
	{"13116", "豊島区", "toshima"},
	{"13117", "北区", "kita"},
	{"13118", "荒川区", "arakawa"},
	{"13119", "板橋区", "itabashi"},
	{"13120", "練馬区", "nerima"},
	{"13121", "足立区", "adachi"},
	{"13122", "葛飾区", "katsushika"},
	{"13123", "江戸川区", "edogawa"},
}

var (
	byCode   = make(map[string]Ward, len(wards))
	byName   = make(map[string]Ward, len(wards))
	byRomaji = make(map[string]Ward, len(wards))
)

func init() {
	for _, w := range wards {
		byCode[w.Code] = w
		byName[w.NameJa] = w
		// Names are also recognised without the trailing 区.
		byName[strings.TrimSuffix(w.NameJa, "区")] = w
		byRomaji[w.Romaji] = w
	}
}

// All returns the ward table in code order.
func All() []Ward {
	out := make([]Ward, len(wards))
	copy(out, wards)
	return out
}

// IsValid reports whether code is in the recognised set.
func IsValid(code string) bool {
	_, ok := byCode[code]
	return ok
}

// Name returns the Japanese ward name for a code, or "" if unknown.
func Name(code string) string {
	if w, ok := byCode[code]; ok {
		return w.NameJa
	}
	return ""
}

// Romaji returns the romanised ward name for a code, or "" if unknown.
func Romaji(code string) string {
	if w, ok := byCode[code]; ok {
		return w.Romaji
	}
	return ""
}

// ToCode resolves a single area input: a 5-digit code, a Japanese ward
// name (with or without 区), or a lowercase romanisation.
func ToCode(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if w, ok := byCode[s]; ok {
		return w.Code, true
	}
	if w, ok := byName[s]; ok {
		return w.Code, true
	}
	if w, ok := byRomaji[strings.ToLower(s)]; ok {
		return w.Code, true
	}
	return "", false
}

// Normalize converts a mixed list of codes and names to codes,
// deduplicated and in ward-code order. Unrecognised inputs are returned
// in invalid, preserving their original spelling.
func Normalize(inputs []string) (codes []string, invalid []string) {
	seen := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		code, ok := ToCode(in)
		if !ok {
			invalid = append(invalid, in)
			continue
		}
		if !seen[code] {
			seen[code] = true
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes, invalid
}
