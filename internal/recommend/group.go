package recommend

// Group is one tag's share of a partitioned collection.
type Group[T any] struct {
	Tag   string `json:"tag"`
	Items []T    `json:"items"`
}

// GroupByTag partitions items by tagOf. Groups appear in first-seen order and
// items keep their relative order within a group.
func GroupByTag[T any](items []T, tagOf func(T) string) []Group[T] {
	var groups []Group[T]
	index := make(map[string]int)
	for _, item := range items {
		tag := tagOf(item)
		i, ok := index[tag]
		if !ok {
			i = len(groups)
			index[tag] = i
			groups = append(groups, Group[T]{Tag: tag})
		}
		groups[i].Items = append(groups[i].Items, item)
	}
	return groups
}

// BySection is the tag function for recommendation items.
func BySection(item Item) string { return item.Section }
