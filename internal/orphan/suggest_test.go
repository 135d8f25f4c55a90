// SPDX-License-Identifier: MIT

package orphan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/mediad/internal/artifact"
)

func thumbnailOrphan(stem string) Orphan {
	return Orphan{
		Sidecar:  "movies/" + stem + ".thumbnail.jpg",
		Kind:     artifact.KindThumbnail,
		Stem:     stem,
		MediaDir: "movies",
	}
}

func TestSuggestLadder(t *testing.T) {
	cases := []struct {
		name       string
		orphanStem string
		candidates []string
		confidence float64
		method     string
	}{
		{"exact", "vacation", []string{"movies/vacation.mp4"}, 1.00, MethodExact},
		{"case insensitive", "Vacation", []string{"movies/vacation.mp4"}, 0.95, MethodCase},
		{"normalized punctuation", "Vacation_2024 (Final)", []string{"movies/vacation 2024 final.mp4"}, 0.85, MethodNormalized},
		{"normalized accents", "café", []string{"movies/cafe.mp4"}, 0.85, MethodNormalized},
		{"rename suffix", "A_renamed", []string{"movies/A.mp4"}, 0.85, MethodNormalized},
		{"rename suffix copy", "Vacation (copy)", []string{"movies/Vacation.mp4"}, 0.85, MethodNormalized},
		{"rename suffix reversed", "A", []string{"movies/A_renamed.mp4"}, 0.85, MethodNormalized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := Suggest(thumbnailOrphan(tc.orphanStem), tc.candidates)
			require.NotNil(t, s)
			assert.Equal(t, tc.confidence, s.Confidence)
			assert.Equal(t, tc.method, s.Method)
			assert.Equal(t, tc.candidates[0], s.MediaPath)
		})
	}
}

func TestSuggestLCS(t *testing.T) {
	// "vacation2024" shares the 8-rune substring "vacation" with "vacation":
	// 8 >= min(12, 0.6*12), confidence 8/12.
	s := Suggest(thumbnailOrphan("vacation2024"), []string{"movies/vacation.mp4"})
	require.NotNil(t, s)
	assert.Equal(t, MethodLCS, s.Method)
	assert.InDelta(t, 8.0/12.0, s.Confidence, 1e-9)

	// "vacation2024x" vs "vacation2024" is 12/13 ~ 0.923, capped at 0.80.
	s = Suggest(thumbnailOrphan("vacation2024x"), []string{"movies/vacation2024.mp4"})
	require.NotNil(t, s)
	assert.Equal(t, MethodLCS, s.Method)
	assert.Equal(t, 0.80, s.Confidence)

	// A 6-rune shared run misses the min(12, 0.6*12) length threshold.
	assert.Nil(t, Suggest(thumbnailOrphan("vacation2024"), []string{"movies/cation.mp4"}))
}

func TestSuggestNoCandidateClearsFloor(t *testing.T) {
	assert.Nil(t, Suggest(thumbnailOrphan("vacation"), []string{"movies/completely-different.mp4"}))
	assert.Nil(t, Suggest(thumbnailOrphan("vacation"), nil))
}

func TestSuggestPicksStrongest(t *testing.T) {
	s := Suggest(thumbnailOrphan("Vacation"), []string{
		"movies/vacation.mp4",  // case-insensitive, 0.95
		"movies/Vacation.mkv",  // exact, 1.00
		"movies/vacations.mp4", // weaker
	})
	require.NotNil(t, s)
	assert.Equal(t, "movies/Vacation.mkv", s.MediaPath)
	assert.Equal(t, 1.00, s.Confidence)
}

func TestSuggestTiesGoToFirstCandidate(t *testing.T) {
	s := Suggest(thumbnailOrphan("vacation"), []string{
		"movies/Vacation.mp4",
		"movies/VACATION.mkv",
	})
	require.NotNil(t, s)
	assert.Equal(t, "movies/Vacation.mp4", s.MediaPath)
}

func TestSuggestRetargetsExtensionAndLocation(t *testing.T) {
	// A heatmaps PNG reattaches to the candidate's canonical PNG sidecar
	// under the candidate's artifact dir.
	o := Orphan{
		Sidecar:  "movies/.artifacts/old.heatmaps.png",
		Kind:     artifact.KindHeatmaps,
		Stem:     "old",
		MediaDir: "movies",
	}
	s := Suggest(o, []string{"movies/Old.mp4"})
	require.NotNil(t, s)
	assert.Equal(t, "movies/.artifacts/Old.heatmaps.png", s.NewSidecar)
}

func TestNormalizeStem(t *testing.T) {
	assert.Equal(t, "vacation2024final", normalizeStem("Vacation_2024 (Final)"))
	assert.Equal(t, "cafe", normalizeStem("Café"))
	assert.Equal(t, "", normalizeStem("!!! ___"))
}

func TestLongestCommonSubstring(t *testing.T) {
	assert.Equal(t, 0, longestCommonSubstring("", "abc"))
	assert.Equal(t, 3, longestCommonSubstring("abc", "abc"))
	assert.Equal(t, 1, longestCommonSubstring("abc", "axc"))
	assert.Equal(t, 2, longestCommonSubstring("abcdef", "abdf"))
	// Scattered characters are not a substring.
	assert.Equal(t, 1, longestCommonSubstring("axbycz", "abc"))
}
