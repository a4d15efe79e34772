package fanout

import "fmt"

// Stripe partitions items round-robin over size ranks: item i goes to rank
// i%size at position i/size. Every returned sublist is non-nil, and sublist
// lengths differ by at most one.
func Stripe[T any](items []T, size int) ([][]T, error) {
	if size < 1 {
		return nil, fmt.Errorf("fanout: group size must be >= 1, got %d", size)
	}

	parts := make([][]T, size)
	for r := range size {
		parts[r] = make([]T, 0, stripeLen(len(items), size, r))
	}
	for i, it := range items {
		parts[i%size] = append(parts[i%size], it)
	}
	return parts, nil
}

// Unstripe is the inverse of Stripe. It rebuilds a flat slice of the given
// length from per-rank sublists, failing with *LengthMismatchError when a
// sublist is not exactly as long as Stripe would have made it.
func Unstripe[T any](parts [][]T, length int) ([]T, error) {
	size := len(parts)
	if size < 1 {
		return nil, fmt.Errorf("fanout: group size must be >= 1, got %d", size)
	}
	if length < 0 {
		return nil, fmt.Errorf("fanout: negative length %d", length)
	}

	for r, p := range parts {
		if want := stripeLen(length, size, r); len(p) != want {
			return nil, &LengthMismatchError{Rank: r, Got: len(p), Want: want}
		}
	}

	flat := make([]T, length)
	for i := range flat {
		flat[i] = parts[i%size][i/size]
	}
	return flat, nil
}

// stripeLen is the number of items rank r receives when n items are striped
// over size ranks: ceil((n-r)/size), i.e. n/size plus one for the first n%size ranks.
func stripeLen(n, size, r int) int {
	l := n / size
	if r < n%size {
		l++
	}
	return l
}
