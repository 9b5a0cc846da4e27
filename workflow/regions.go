package workflow

import (
	"sort"

	"github.com/google/uuid"
)

// LoopRegion is a strongly connected set of nodes executed as a loop.
// It holds node indices and IDs, never references between nodes.
type LoopRegion struct {
	ID        string   `json:"loop_id"`
	Stage     string   `json:"stage"`
	Entry     string   `json:"entry"`
	Terminals []string `json:"terminals"`
	// Nodes lists the body in execution order, entry first
	Nodes []string `json:"nodes"`

	entry     int
	terminals []int
	body      []int
	position  map[int]int
}

// Contains reports whether the node index belongs to the region
func (r *LoopRegion) Contains(idx int) bool {
	_, ok := r.position[idx]
	return ok
}

// component is one vertex of a stage's condensation: a plain node or a loop
type component struct {
	nodes []int
	loop  *LoopRegion
	deps  []int
}

type stagePlan struct {
	info  stageInfo
	comps []*component
	waves [][]int
	sinks []int
}

// plan is computed once per run from the graph
type plan struct {
	stages []stagePlan
	loops  map[string]*LoopRegion
	order  []*LoopRegion
}

// buildPlan condenses every stage with Tarjan's algorithm and orders the
// condensation into waves of mutually independent components.
func buildPlan(g *Graph, def *Definition) *plan {
	p := &plan{loops: make(map[string]*LoopRegion)}
	for si, info := range g.stages {
		sp := stagePlan{info: info}
		sccs := stronglyConnected(g, info.Nodes, si)

		compOf := make(map[int]int, len(info.Nodes))
		for ci, scc := range sccs {
			c := &component{nodes: scc}
			if len(scc) > 1 || hasSelfEdge(g, scc[0]) {
				c.loop = newLoopRegion(g, scc, info.ID, def)
				c.nodes = c.loop.body
				p.loops[c.loop.ID] = c.loop
				p.order = append(p.order, c.loop)
			}
			for _, idx := range scc {
				compOf[idx] = ci
			}
			sp.comps = append(sp.comps, c)
		}

		hasSucc := make([]bool, len(sp.comps))
		for ci, c := range sp.comps {
			seen := make(map[int]bool)
			for _, idx := range c.nodes {
				for _, pred := range g.in[idx] {
					pc, ok := compOf[pred]
					if !ok || pc == ci || seen[pc] {
						continue
					}
					seen[pc] = true
					c.deps = append(c.deps, pc)
					hasSucc[pc] = true
				}
			}
			sort.Ints(c.deps)
		}
		for ci := range sp.comps {
			if !hasSucc[ci] {
				sp.sinks = append(sp.sinks, ci)
			}
		}
		sp.waves = waves(sp.comps)
		p.stages = append(p.stages, sp)
	}
	return p
}

// stronglyConnected runs Tarjan's algorithm over the nodes of one stage,
// following only edges that stay inside the stage. Components are returned
// ordered by their first declared node; members are in declaration order.
func stronglyConnected(g *Graph, nodes []int, stage int) [][]int {
	var (
		counter int
		stack   []int
		onStack = make(map[int]bool)
		index   = make(map[int]int)
		low     = make(map[int]int)
		result  [][]int
	)

	var visit func(v int)
	visit = func(v int) {
		index[v] = counter
		low[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.out[v] {
			if g.nodes[w].stage != stage {
				continue
			}
			if _, visited := index[w]; !visited {
				visit(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], index[w])
			}
		}

		if low[v] == index[v] {
			var scc []int
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sort.Ints(scc)
			result = append(result, scc)
		}
	}

	for _, v := range nodes {
		if _, visited := index[v]; !visited {
			visit(v)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i][0] < result[j][0] })
	return result
}

func hasSelfEdge(g *Graph, idx int) bool {
	for _, w := range g.out[idx] {
		if w == idx {
			return true
		}
	}
	return false
}

// newLoopRegion picks the entry node, orders the body and finds the terminals.
// The entry is the first member with a predecessor outside the region, or
// the first declared member when the loop has no external input.
func newLoopRegion(g *Graph, members []int, stageID string, def *Definition) *LoopRegion {
	in := make(map[int]bool, len(members))
	for _, idx := range members {
		in[idx] = true
	}

	entry := members[0]
	for _, idx := range members {
		external := false
		for _, pred := range g.in[idx] {
			if !in[pred] {
				external = true
				break
			}
		}
		if external {
			entry = idx
			break
		}
	}

	body := bodyOrder(g, members, in, entry)
	r := &LoopRegion{
		ID:       uuid.NewString(),
		Stage:    stageID,
		entry:    entry,
		body:     body,
		position: make(map[int]int, len(body)),
	}
	for pos, idx := range body {
		r.position[idx] = pos
	}

	if lc, ok := def.loopConfigFor(g.ids(body)); ok && lc.TerminalNode != "" {
		if idx, found := g.index[lc.TerminalNode]; found && in[idx] {
			r.terminals = []int{idx}
		}
	}
	if len(r.terminals) == 0 {
		for _, idx := range body {
			for _, succ := range g.out[idx] {
				if succ == entry {
					r.terminals = append(r.terminals, idx)
					break
				}
			}
		}
	}
	if len(r.terminals) == 0 {
		r.terminals = []int{body[len(body)-1]}
	}

	r.Entry = g.nodes[entry].ID
	r.Nodes = g.ids(body)
	r.Terminals = g.ids(r.terminals)
	return r
}

// bodyOrder is Kahn's algorithm over the region with edges into the entry
// removed. Nested cycles that remain are broken at the first declared node.
func bodyOrder(g *Graph, members []int, in map[int]bool, entry int) []int {
	indeg := make(map[int]int, len(members))
	for _, idx := range members {
		if idx == entry {
			continue
		}
		for _, pred := range g.in[idx] {
			if in[pred] && pred != idx {
				indeg[idx]++
			}
		}
	}

	done := make(map[int]bool, len(members))
	order := make([]int, 0, len(members))
	ready := []int{entry}

	for len(order) < len(members) {
		if len(ready) == 0 {
			for _, idx := range members {
				if !done[idx] {
					ready = append(ready, idx)
					break
				}
			}
		}
		sort.Ints(ready)
		v := ready[0]
		ready = ready[1:]
		if done[v] {
			continue
		}
		done[v] = true
		order = append(order, v)

		for _, w := range g.out[v] {
			if !in[w] || w == entry || done[w] || w == v {
				continue
			}
			indeg[w]--
			if indeg[w] == 0 {
				ready = append(ready, w)
			}
		}
	}
	return order
}

// waves groups components by longest dependency chain. Components in the
// same wave have no path between them.
func waves(comps []*component) [][]int {
	level := make([]int, len(comps))
	var depth func(ci int) int
	memo := make(map[int]bool)
	depth = func(ci int) int {
		if memo[ci] {
			return level[ci]
		}
		l := 0
		for _, d := range comps[ci].deps {
			l = max(l, depth(d)+1)
		}
		level[ci] = l
		memo[ci] = true
		return l
	}

	var out [][]int
	for ci := range comps {
		l := depth(ci)
		for len(out) <= l {
			out = append(out, nil)
		}
		out[l] = append(out[l], ci)
	}
	return out
}
