// Package tokens provides the heuristic token estimate used for all budget
// arithmetic. It approximates roughly four bytes of text per token, which is
// close enough for English prose and code to keep compaction decisions stable
// without depending on a model-specific tokenizer.
package tokens

// CharsPerToken is the number of content bytes counted as one token.
const CharsPerToken = 4

// Estimate returns ceil(len(content) / CharsPerToken). Length is measured in
// UTF-8 bytes, so multibyte text costs more than its rune count suggests.
// The empty string costs zero tokens.
func Estimate(content string) int {
	return (len(content) + CharsPerToken - 1) / CharsPerToken
}

// EstimateAll sums Estimate over each piece of content. Pieces are estimated
// individually, so EstimateAll("ab", "cd") is 2 while Estimate("abcd") is 1.
func EstimateAll(contents ...string) int {
	total := 0
	for _, c := range contents {
		total += Estimate(c)
	}
	return total
}
