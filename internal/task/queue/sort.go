package queue

import (
	"sort"

	v1 "github.com/agentcom/agentcom/pkg/api/v1"
)

// sortTasksNewestFirst orders list results by creation time descending,
// with the id as a deterministic tiebreak.
func sortTasksNewestFirst(tasks []*v1.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt != tasks[j].CreatedAt {
			return tasks[i].CreatedAt > tasks[j].CreatedAt
		}
		return tasks[i].ID < tasks[j].ID
	})
}
