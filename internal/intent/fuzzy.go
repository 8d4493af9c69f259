package intent

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// score is one scored phrase candidate.
type score struct {
	phrase   string
	value    float64
	phonetic bool
}

// matchPhrase scores how well utterance contains phrase. Command phrases are
// short ("goodbye", "volume up") while utterances can wrap them in filler
// ("okay goodbye then"), so the utterance is scanned with a sliding token
// window the width of the phrase and the best window wins.
//
// Two acceptance tiers: windows that share a Double Metaphone code with the
// phrase (speech recognizers substitute homophones freely) pass at the lower
// phonetic threshold, everything else needs the stricter fuzzy threshold.
func matchPhrase(utterance, phrase string, phoneticThreshold, fuzzyThreshold float64) (score, bool) {
	utterTokens := strings.Fields(strings.ToLower(utterance))
	phraseTokens := strings.Fields(strings.ToLower(phrase))
	if len(utterTokens) == 0 || len(phraseTokens) == 0 {
		return score{}, false
	}

	phraseCodes := metaphoneCodes(phraseTokens)
	phraseJoined := strings.Join(phraseTokens, " ")
	phraseConcat := strings.Join(phraseTokens, "")

	width := len(phraseTokens)
	if width > len(utterTokens) {
		width = len(utterTokens)
	}

	var best score
	for start := 0; start+width <= len(utterTokens); start++ {
		window := utterTokens[start : start+width]

		v := matchr.JaroWinkler(strings.Join(window, " "), phraseJoined, false)
		if s := matchr.JaroWinkler(strings.Join(window, ""), phraseConcat, false); s > v {
			v = s
		}

		phonetic := codesOverlap(metaphoneCodes(window), phraseCodes)
		threshold := fuzzyThreshold
		if phonetic {
			threshold = phoneticThreshold
		}
		if v < threshold {
			continue
		}
		if v > best.value || (phonetic && !best.phonetic) {
			best = score{phrase: phrase, value: v, phonetic: phonetic}
		}
	}
	return best, best.phrase != ""
}

// metaphoneCodes returns the union of Double Metaphone codes for the tokens.
// Words too short to encode produce no codes and are skipped.
func metaphoneCodes(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		primary, secondary := matchr.DoubleMetaphone(t)
		if primary != "" {
			codes[primary] = struct{}{}
		}
		if secondary != "" {
			codes[secondary] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}
