package lifecycle

import (
	"sort"

	v1 "github.com/agentcom/agentcom/pkg/api/v1"
)

// sortByLastActive orders agents least recently active first, the order
// the scheduler consumes the idle pool in.
func sortByLastActive(agents []*v1.AgentInfo) {
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].LastActiveAt != agents[j].LastActiveAt {
			return agents[i].LastActiveAt < agents[j].LastActiveAt
		}
		return agents[i].ID < agents[j].ID
	})
}
