package prompt

// Alphabet is the anonymisation label alphabet for stage-2 ranking.
// Labels are assigned to stage-1 participants in worker order, so the
// mapping is stable within a session.
const Alphabet = "ABCDEFGHIJ"

// Labels returns the first n anonymous labels.
func Labels(n int) []string {
	if n > len(Alphabet) {
		n = len(Alphabet)
	}
	labels := make([]string, n)
	for i := 0; i < n; i++ {
		labels[i] = string(Alphabet[i])
	}
	return labels
}
