// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"container/heap"

	"k8s.io/klog/v2"
)

// TopologicalOrder returns the nodes ordered such that every node comes after its producers. Among the nodes
// ready at a given step, the earliest inserted comes first, so the order is deterministic.
//
// Nodes that are part of a cycle (or depend on one) are excluded from the order and reported with a warning.
func (g *Graph) TopologicalOrder() []*Node {
	order, excluded := g.topologicalSort()
	if len(excluded) > 0 {
		klog.Warningf("Graph(%q): %d nodes are on (or depend on) a cycle and are excluded from the topological order: %v",
			g.name, len(excluded), excluded)
	}
	return order
}

// CyclicNodes returns the names of the nodes excluded from TopologicalOrder, in insertion order.
func (g *Graph) CyclicNodes() []string {
	_, excluded := g.topologicalSort()
	return excluded
}

// topologicalSort is Kahn's algorithm, using the insertion position as priority.
func (g *Graph) topologicalSort() (order []*Node, excluded []string) {
	position := make(map[string]int, len(g.order))
	for ii, name := range g.order {
		position[name] = ii
	}
	pending := make([]int, len(g.order))
	consumers := make([][]int, len(g.order))
	for ii, name := range g.order {
		for _, input := range g.nodes[name].Inputs {
			producer, found := position[input.Node]
			if !found {
				continue
			}
			pending[ii]++
			consumers[producer] = append(consumers[producer], ii)
		}
	}

	// ready is a min-heap of insertion positions.
	ready := &intHeap{}
	for ii, count := range pending {
		if count == 0 {
			heap.Push(ready, ii)
		}
	}
	order = make([]*Node, 0, len(g.order))
	for ready.Len() > 0 {
		ii := heap.Pop(ready).(int)
		order = append(order, g.nodes[g.order[ii]])
		for _, consumer := range consumers[ii] {
			pending[consumer]--
			if pending[consumer] == 0 {
				heap.Push(ready, consumer)
			}
		}
	}
	for ii, count := range pending {
		if count > 0 {
			excluded = append(excluded, g.order[ii])
		}
	}
	return order, excluded
}

// intHeap implements heap.Interface.
type intHeap []int

func (h intHeap) Len() int           { return len(h) }
func (h intHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intHeap) Pop() any {
	old := *h
	v := old[len(old)-1]
	*h = old[:len(old)-1]
	return v
}
