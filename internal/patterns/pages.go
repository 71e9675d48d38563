package patterns

import (
	"github.com/dusk-indust/codegraph/internal/graph"
	"github.com/dusk-indust/codegraph/internal/lang"
)

// pagePass creates one Page per (route, file). The page renders its
// component, and the function that declares the route renders it too.
func (p *pass) pagePass() {
	for _, f := range p.ix.Files() {
		in, _ := p.ix.Input(f)
		for _, ref := range in.Result.References {
			if ref.Kind != lang.RefPage {
				continue
			}
			route := ref.Meta[graph.MetaRoute]
			if route == "" {
				route = ref.Name
			}
			component := ref.Meta[lang.MetaComponent]
			meta := map[string]string{graph.MetaRoute: route}
			if component != "" {
				meta[lang.MetaComponent] = component
			}
			id, created := p.addNode(graph.Candidate{
				Kind:      graph.NodePage,
				Name:      route,
				File:      f,
				StartLine: ref.Line,
				EndLine:   ref.Line,
				Meta:      meta,
			})
			if id == "" || !created {
				continue
			}
			p.out.Stats.Pages++
			p.addEdge(graph.NewEdge(graph.EdgeContains, in.FileID, id, nil))

			link := pageLink{id: id}
			if component != "" {
				if target, ok := p.ix.Lookup(f, component, ref.Line, graph.NodeFunction, graph.NodeClass); ok {
					link.component = target
					if p.addEdge(graph.NewEdge(graph.EdgeRenders, id, target, nil)) {
						p.out.Stats.Renders++
					}
					if entry, kind := enclosing(in, ref); kind == graph.NodeFunction && entry != target {
						if p.addEdge(graph.NewEdge(graph.EdgeRenders, entry, target, nil)) {
							p.out.Stats.Renders++
						}
					}
				}
			}
			p.pageLinks = append(p.pageLinks, link)
		}
	}
}
