// Package pipeline executes a job graph: dependency-ordered dispatch of
// concurrent jobs, sequential steps within a job, sharded test execution,
// and per-job report aggregation.
package pipeline

import (
	"sort"
	"strings"

	"forgeci/internal/config"
	"forgeci/internal/failure"
)

// graph is the dependency structure over the selected jobs, represented
// with in-degree counters and forward edges so the scheduler can run a
// topological dispatch without recursion.
type graph struct {
	jobs       map[string]config.Job
	inDegree   map[string]int
	dependents map[string][]string // dep -> jobs requiring it
}

// buildGraph validates acyclicity before any job starts. A cycle is a
// structural failure of the whole run.
func buildGraph(jobs []config.Job) (*graph, error) {
	g := &graph{
		jobs:       make(map[string]config.Job, len(jobs)),
		inDegree:   make(map[string]int, len(jobs)),
		dependents: make(map[string][]string),
	}
	for _, job := range jobs {
		g.jobs[job.Name] = job
		g.inDegree[job.Name] = 0
	}
	for _, job := range jobs {
		for _, dep := range job.Requires {
			if _, ok := g.jobs[dep]; !ok {
				// Selection closure should have included it; treat a
				// dangling edge as a config problem, not a crash.
				return nil, failure.New(failure.ClassConfig, "job %q requires %q which is not selected", job.Name, dep)
			}
			g.inDegree[job.Name]++
			g.dependents[dep] = append(g.dependents[dep], job.Name)
		}
	}

	if cycle := g.findCycle(); len(cycle) > 0 {
		return nil, failure.New(failure.ClassCycle, "dependency cycle: %s", strings.Join(cycle, " -> "))
	}
	return g, nil
}

// findCycle runs Kahn's algorithm over a scratch copy of the in-degrees;
// whatever cannot be drained is part of (or downstream of) a cycle.
func (g *graph) findCycle() []string {
	degree := make(map[string]int, len(g.inDegree))
	for name, d := range g.inDegree {
		degree[name] = d
	}

	queue := make([]string, 0, len(degree))
	for name, d := range degree {
		if d == 0 {
			queue = append(queue, name)
		}
	}
	drained := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		drained++
		for _, dep := range g.dependents[name] {
			degree[dep]--
			if degree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if drained == len(g.jobs) {
		return nil
	}

	var stuck []string
	for name, d := range degree {
		if d > 0 {
			stuck = append(stuck, name)
		}
	}
	sort.Strings(stuck)
	return stuck
}

// transitiveDependents returns every job reachable from name along
// dependency edges, used to block downstream work after a failure.
func (g *graph) transitiveDependents(name string) []string {
	var out []string
	seen := map[string]bool{name: true}
	queue := append([]string(nil), g.dependents[name]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, g.dependents[next]...)
	}
	sort.Strings(out)
	return out
}
