package email

// DedupeResult buckets a batch of normalized addresses. Callers decide what
// to do with each bucket; Dedupe itself has no side effects.
type DedupeResult struct {
	// Unique holds first occurrences, in input order.
	Unique []string
	// DupesInBatch holds every repeated occurrence within the batch itself.
	DupesInBatch []string
	// DupesExisting holds addresses already present in the existing set.
	DupesExisting []string
}

// Dedupe partitions addresses into unique, duplicate-within-batch, and
// duplicate-against-existing buckets. Addresses must already be normalized
// (Validate/Normalize handle case and whitespace), so membership tests here
// are exact string comparisons.
func Dedupe(addresses []string, existing map[string]struct{}) DedupeResult {
	res := DedupeResult{Unique: make([]string, 0, len(addresses))}
	seen := make(map[string]struct{}, len(addresses))

	for _, addr := range addresses {
		if _, dup := seen[addr]; dup {
			res.DupesInBatch = append(res.DupesInBatch, addr)
			continue
		}
		seen[addr] = struct{}{}

		if _, exists := existing[addr]; exists {
			res.DupesExisting = append(res.DupesExisting, addr)
			continue
		}
		res.Unique = append(res.Unique, addr)
	}
	return res
}
