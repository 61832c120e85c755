package ranking

import "strings"

// Similarity returns the Sørensen–Dice coefficient of the character bigrams of
// two normalized strings, ignoring whitespace. The result is in [0, 1].
func Similarity(a, b string) float64 {
	a = strings.ReplaceAll(NormalizeTitle(a), " ", "")
	b = strings.ReplaceAll(NormalizeTitle(b), " ", "")

	if a == b {
		if a == "" {
			return 0
		}
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	if len(ra) < 2 || len(rb) < 2 {
		return 0
	}

	bigrams := make(map[[2]rune]int, len(ra)-1)
	for i := 0; i < len(ra)-1; i++ {
		bigrams[[2]rune{ra[i], ra[i+1]}]++
	}

	intersection := 0
	for i := 0; i < len(rb)-1; i++ {
		bg := [2]rune{rb[i], rb[i+1]}
		if n := bigrams[bg]; n > 0 {
			bigrams[bg] = n - 1
			intersection++
		}
	}

	return 2 * float64(intersection) / float64(len(ra)+len(rb)-2)
}
