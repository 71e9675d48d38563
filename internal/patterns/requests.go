package patterns

import (
	"strings"

	"github.com/dusk-indust/codegraph/internal/graph"
	"github.com/dusk-indust/codegraph/internal/lang"
)

// requestPass creates one Request node per (verb, path, file). Route
// declarations link the node to their handler; client calls link the
// issuing function (or the file) to the node.
func (p *pass) requestPass() {
	byID := make(map[string]int)
	for _, f := range p.ix.Files() {
		in, _ := p.ix.Input(f)
		for _, ref := range in.Result.References {
			if ref.Kind != lang.RefRequest {
				continue
			}
			verb := strings.ToUpper(ref.Meta[graph.MetaVerb])
			if verb == "" {
				verb = "GET"
			}
			raw := ref.Meta[graph.MetaURL]
			if raw == "" {
				raw = ref.Name
			}
			route := NormalizePath(raw)

			id, created := p.addNode(graph.Candidate{
				Kind:      graph.NodeRequest,
				Name:      verb + " " + route,
				File:      f,
				StartLine: ref.Line,
				EndLine:   ref.Line,
				Meta: map[string]string{
					graph.MetaVerb: verb,
					graph.MetaPath: route,
					graph.MetaURL:  raw,
				},
			})
			if id == "" {
				continue
			}
			if created {
				p.out.Stats.Requests++
				p.addEdge(graph.NewEdge(graph.EdgeContains, in.FileID, id, nil))
				byID[id] = len(p.requests)
				p.requests = append(p.requests, requestLink{id: id, file: f, line: ref.Line})
			}
			link := &p.requests[byID[id]]
			if link.returns == "" {
				link.returns = ref.Meta[lang.MetaReturns]
			}

			switch ref.Meta[lang.MetaRole] {
			case lang.RoleRoute:
				name := ref.Meta[lang.MetaHandler]
				if name == "" {
					continue
				}
				if i := strings.LastIndexAny(name, ".:"); i >= 0 {
					name = name[i+1:] // userController.create, Handlers::create
				}
				target, ok := p.ix.Lookup(f, name, ref.Line, graph.NodeFunction)
				if !ok {
					continue
				}
				if p.addEdge(graph.NewEdge(graph.EdgeHandler, id, target, nil)) {
					p.out.Stats.Handlers++
					link.functions = append(link.functions, target)
				}
			default:
				source, kind := enclosing(in, ref)
				if source == "" {
					source = in.FileID
				}
				callSite := ref.Text
				if callSite == "" {
					callSite = verb
				}
				edge, err := graph.NewCallsEdge(source, id, graph.CallsMeta{
					Confidence: graph.ConfidenceRequest,
					CallSite:   callSite,
					Line:       ref.Line,
				})
				if p.addEdge(edge, err) {
					p.out.Stats.Clients++
					if kind == graph.NodeFunction {
						link.functions = append(link.functions, source)
					}
				}
			}
		}
	}
}
