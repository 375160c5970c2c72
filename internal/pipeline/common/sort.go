package common

import "sort"

// SortByScore 按分数降序稳定排序，同分保持原有顺序
func SortByScore(c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		return c[i].Score > c[j].Score
	})
}

// IDs 返回候选 id 列表
func IDs(c []Candidate) []int64 {
	ids := make([]int64, len(c))
	for i := range c {
		ids[i] = c[i].ID
	}
	return ids
}
