package objstore

import (
	"iter"
	"slices"
	"testing"
)

func countTo(n int, pulled *int) iter.Seq[int] {
	return func(yield func(int) bool) {
		for i := 1; i <= n; i++ {
			*pulled = i
			if !yield(i) {
				return
			}
		}
	}
}

func TestSkipTake(t *testing.T) {
	o := func(n, skip, take int, expected []int, expectedPulled int) {
		t.Helper()
		var pulled int
		actual := slices.Collect(Take(Skip(countTo(n, &pulled), skip), take))
		deepEqual(t, actual, expected)
		if pulled != expectedPulled {
			t.Errorf("** Skip(%d).Take(%d) over %d pulled %d elements, wanted %d", skip, take, n, pulled, expectedPulled)
		}
	}
	o(25, 0, 10, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, 10)
	o(25, 10, 10, []int{11, 12, 13, 14, 15, 16, 17, 18, 19, 20}, 20)
	o(25, 20, 10, []int{21, 22, 23, 24, 25}, 25)
	o(25, 30, 10, nil, 25)
	o(1, 0, 10, []int{1}, 1)
	o(5, 0, 0, nil, 0)
}
