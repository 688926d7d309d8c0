package topology

import (
	"container/heap"
	"fmt"

	"github.com/polisai/netopt/pkg/domain"
)

// DefaultLinkCost is the edge weight used when a link has no fresh sample.
const DefaultLinkCost = 10.0

// RouteResult is the outcome of a path computation. Err is set, and Path
// empty, when no route exists.
type RouteResult struct {
	Path []string
	Cost float64
	Err  error
}

// OK reports whether a path was found.
func (r RouteResult) OK() bool {
	return r.Err == nil && len(r.Path) > 0
}

// ShortestPath runs Dijkstra between two switches. Links are traversed in
// both directions; the edge cost is the fresh measured link latency, falling
// back to defaultCost. Hosts are never used as transit nodes.
func (s *Snapshot) ShortestPath(src, dst string, defaultCost float64) RouteResult {
	if defaultCost <= 0 {
		defaultCost = DefaultLinkCost
	}
	for _, id := range []string{src, dst} {
		if node, ok := s.Nodes[id]; !ok || node.Kind != domain.NodeSwitch {
			return RouteResult{Err: fmt.Errorf("%w: %s is not a known switch", domain.ErrNoPath, id)}
		}
	}
	if src == dst {
		return RouteResult{Path: []string{src}}
	}

	dist := map[string]float64{src: 0}
	prev := make(map[string]string)
	done := make(map[string]bool)
	queue := &pathQueue{{node: src}}

	for queue.Len() > 0 {
		current := heap.Pop(queue).(pathItem)
		if done[current.node] {
			continue
		}
		done[current.node] = true
		if current.node == dst {
			break
		}

		for _, next := range s.adjacency[current.node] {
			node, ok := s.Nodes[next]
			if !ok || node.Kind != domain.NodeSwitch || done[next] {
				continue
			}
			cost := defaultCost
			if latency, ok := s.linkLatency(current.node, next); ok && latency >= 0 {
				cost = latency
			}
			candidate := current.cost + cost
			if existing, seen := dist[next]; !seen || candidate < existing {
				dist[next] = candidate
				prev[next] = current.node
				heap.Push(queue, pathItem{node: next, cost: candidate})
			}
		}
	}

	if !done[dst] {
		return RouteResult{Err: fmt.Errorf("%w: %s -> %s", domain.ErrNoPath, src, dst)}
	}

	var path []string
	for at := dst; ; at = prev[at] {
		path = append([]string{at}, path...)
		if at == src {
			break
		}
	}
	return RouteResult{Path: path, Cost: dist[dst]}
}

// SamePath reports whether two paths visit the same nodes in the same order.
func SamePath(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type pathItem struct {
	node string
	cost float64
}

// pathQueue is a min-heap on cost with node id as a deterministic tie-break.
type pathQueue []pathItem

func (q pathQueue) Len() int { return len(q) }

func (q pathQueue) Less(i, j int) bool {
	if q[i].cost != q[j].cost {
		return q[i].cost < q[j].cost
	}
	return q[i].node < q[j].node
}

func (q pathQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *pathQueue) Push(x any) { *q = append(*q, x.(pathItem)) }

func (q *pathQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}
