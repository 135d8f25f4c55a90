// SPDX-License-Identifier: MIT

package orphan

import (
	"math"
	"path"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/ManuGH/mediad/internal/artifact"
)

// ConfidenceFloor is the minimum confidence a suggestion must reach to be
// reported at all.
const ConfidenceFloor = 0.60

// Match methods, strongest first.
const (
	MethodExact      = "exact"
	MethodCase       = "case-insensitive"
	MethodNormalized = "normalized"
	MethodLCS        = "lcs"
)

// Suggestion proposes re-attaching an orphaned sidecar to a media file.
type Suggestion struct {
	MediaPath  string  `json:"mediaPath"`
	NewSidecar string  `json:"newSidecar"`
	Confidence float64 `json:"confidence"`
	Method     string  `json:"method"`
}

// Suggest returns the best repair candidate for an orphan, or nil when no
// candidate clears the confidence floor. Ties go to the first candidate in
// input order.
//
// Ladder: exact stem 1.00, case-insensitive 0.95, normalized (including a
// separator-delimited rename suffix, "A_renamed" against "A") 0.85, then a
// longest-common-substring ratio capped at 0.80.
func Suggest(o Orphan, candidates []string) *Suggestion {
	var best *Suggestion
	for _, mediaPath := range candidates {
		candStem := artifact.Stem(mediaPath)
		conf, method := stemConfidence(o.Stem, candStem)
		if conf < ConfidenceFloor {
			continue
		}
		if best != nil && conf <= best.Confidence {
			continue
		}
		target := retarget(o, mediaPath)
		if target == "" {
			continue
		}
		best = &Suggestion{
			MediaPath:  mediaPath,
			NewSidecar: target,
			Confidence: conf,
			Method:     method,
		}
	}
	return best
}

func stemConfidence(orphanStem, candStem string) (float64, string) {
	if orphanStem == candStem {
		return 1.00, MethodExact
	}
	if strings.EqualFold(orphanStem, candStem) {
		return 0.95, MethodCase
	}
	if normalizedMatch(orphanStem, candStem) {
		return 0.85, MethodNormalized
	}

	// Fallback: longest common substring of length >= min(12, 0.6*len(stem)),
	// scored against the orphan stem and capped at 0.80.
	a, b := normalizeStem(orphanStem), normalizeStem(candStem)
	n := len([]rune(a))
	if n == 0 {
		return 0, ""
	}
	l := longestCommonSubstring(a, b)
	if float64(l) < math.Min(12, 0.6*float64(n)) {
		return 0, ""
	}
	return math.Min(float64(l)/float64(n), 0.80), MethodLCS
}

func normalizedMatch(orphanStem, candStem string) bool {
	a, b := normalizeStem(orphanStem), normalizeStem(candStem)
	if a != "" && a == b {
		return true
	}
	return renamedFrom(orphanStem, candStem) || renamedFrom(candStem, orphanStem)
}

// renamedFrom reports whether s reads as base plus a separator-delimited
// suffix, the shape renames leave behind: "A_renamed" from "A",
// "Vacation (copy)" from "Vacation".
func renamedFrom(s, base string) bool {
	ls, lb := strings.ToLower(s), strings.ToLower(base)
	if lb == "" || len(ls) <= len(lb) || !strings.HasPrefix(ls, lb) {
		return false
	}
	r, _ := utf8.DecodeRuneInString(ls[len(lb):])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

// normalizeStem casefolds, decomposes accents, and strips everything but
// letters and digits, so "Vacation_2024 (Final)" and "vacation 2024 final"
// compare equal.
func normalizeStem(s string) string {
	decomposed := norm.NFKD.String(strings.ToLower(s))
	var b strings.Builder
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// longestCommonSubstring computes the longest contiguous run of runes shared
// by a and b.
func longestCommonSubstring(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	best := 0
	for i := 1; i <= len(ra); i++ {
		for j := 1; j <= len(rb); j++ {
			if ra[i-1] == rb[j-1] {
				cur[j] = prev[j-1] + 1
				if cur[j] > best {
					best = cur[j]
				}
			} else {
				cur[j] = 0
			}
		}
		prev, cur = cur, prev
		for j := range cur {
			cur[j] = 0
		}
	}
	return best
}

// retarget maps the orphan onto the candidate's canonical sidecar with the
// same extension, fixing a wrong location along the way.
func retarget(o Orphan, mediaPath string) string {
	ext := path.Ext(o.Sidecar)
	for _, sc := range artifact.Sidecars(mediaPath, o.Kind) {
		if path.Ext(sc) == ext {
			return sc
		}
	}
	return ""
}
