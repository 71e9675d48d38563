package patterns

import "github.com/dusk-indust/codegraph/internal/graph"

// modelPass links requests and pages to the data models their functions
// reference, directly or through one call.
func (p *pass) modelPass() {
	for _, r := range p.requests {
		var models []string
		for _, fn := range r.functions {
			models = append(models, p.modelsOf(fn)...)
		}
		if r.returns != "" {
			if m, ok := p.ix.Lookup(r.file, r.returns, r.line, graph.NodeDataModel); ok {
				models = append(models, m)
				p.out.Nodes[p.nodeAt[r.id]].Meta[graph.MetaModel] = r.returns
			}
		}
		p.linkModels(r.id, models)
	}
	for _, pg := range p.pageLinks {
		if pg.component == "" {
			continue
		}
		p.linkModels(pg.id, p.modelsOf(pg.component))
	}
}

func (p *pass) modelsOf(fn string) []string {
	var out []string
	direct := func(id string) {
		for _, m := range p.uses[id] {
			if p.kinds[m] == graph.NodeDataModel {
				out = append(out, m)
			}
		}
	}
	direct(fn)
	for _, callee := range p.callees[fn] {
		if p.kinds[callee] == graph.NodeFunction {
			direct(callee)
		}
	}
	return out
}

func (p *pass) linkModels(source string, models []string) {
	for _, m := range uniqueSorted(models) {
		if p.addEdge(graph.NewEdge(graph.EdgeUses, source, m, nil)) {
			p.out.Stats.ModelLinks++
		}
	}
}
