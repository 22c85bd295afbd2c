package util

import (
	"cmp"
	"slices"
)

// ConnectedComponents groups the ids linked by pairs using union-find.
// Members of each group are sorted and groups are ordered by their first
// member, so output is stable across runs.
func ConnectedComponents[T cmp.Ordered](pairs [][2]T) [][]T {
	parent := make(map[T]T)

	var find func(x T) T
	find = func(x T) T {
		if _, ok := parent[x]; !ok {
			parent[x] = x
		}
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}

	union := func(x, y T) {
		px, py := find(x), find(y)
		if px != py {
			parent[px] = py
		}
	}

	for _, p := range pairs {
		union(p[0], p[1])
	}

	components := make(map[T][]T)
	for id := range parent {
		root := find(id)
		components[root] = append(components[root], id)
	}

	result := make([][]T, 0, len(components))
	for _, group := range components {
		slices.Sort(group)
		result = append(result, group)
	}
	slices.SortFunc(result, func(a, b []T) int { return cmp.Compare(a[0], b[0]) })
	return result
}
