package lsp

import (
	"encoding/json"
	"net/url"
	"path/filepath"
	"strings"
)

type initializeParams struct {
	ProcessID        int               `json:"processId"`
	RootURI          string            `json:"rootUri"`
	Capabilities     clientCaps        `json:"capabilities"`
	WorkspaceFolders []workspaceFolder `json:"workspaceFolders,omitempty"`
}

type clientCaps struct {
	TextDocument struct {
		Definition struct {
			LinkSupport bool `json:"linkSupport"`
		} `json:"definition"`
	} `json:"textDocument"`
}

type workspaceFolder struct {
	URI  string `json:"uri"`
	Name string `json:"name"`
}

type initializeResult struct {
	Capabilities struct {
		DefinitionProvider json.RawMessage `json:"definitionProvider,omitempty"`
	} `json:"capabilities"`
}

// hasDefinition reports whether the server advertised definitionProvider,
// which may be a bool or an options object.
func (r initializeResult) hasDefinition() bool {
	raw := strings.TrimSpace(string(r.Capabilities.DefinitionProvider))
	return raw != "" && raw != "false" && raw != "null"
}

type textDocumentItem struct {
	URI        string `json:"uri"`
	LanguageID string `json:"languageId"`
	Version    int    `json:"version"`
	Text       string `json:"text"`
}

type didOpenParams struct {
	TextDocument textDocumentItem `json:"textDocument"`
}

type textDocumentID struct {
	URI string `json:"uri"`
}

// Position is zero-based; Character counts UTF-16 code units.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

type Location struct {
	URI   string `json:"uri"`
	Range Range  `json:"range"`
}

type locationLink struct {
	TargetURI            string `json:"targetUri"`
	TargetRange          Range  `json:"targetRange"`
	TargetSelectionRange Range  `json:"targetSelectionRange"`
}

type definitionParams struct {
	TextDocument textDocumentID `json:"textDocument"`
	Position     Position       `json:"position"`
}

// parseLocations decodes a definition result: null, a Location, a
// Location array or a LocationLink array.
func parseLocations(raw json.RawMessage) ([]Location, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil, nil
	}
	if strings.HasPrefix(s, "[") {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		out := make([]Location, 0, len(items))
		for _, it := range items {
			loc, err := parseLocation(it)
			if err != nil {
				return nil, err
			}
			out = append(out, loc)
		}
		return out, nil
	}
	loc, err := parseLocation(raw)
	if err != nil {
		return nil, err
	}
	return []Location{loc}, nil
}

func parseLocation(raw json.RawMessage) (Location, error) {
	var link locationLink
	if err := json.Unmarshal(raw, &link); err == nil && link.TargetURI != "" {
		return Location{URI: link.TargetURI, Range: link.TargetSelectionRange}, nil
	}
	var loc Location
	if err := json.Unmarshal(raw, &loc); err != nil {
		return Location{}, err
	}
	return loc, nil
}

// PathToURI converts an absolute filesystem path to a file:// URI.
func PathToURI(p string) string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(p)}
	if !strings.HasPrefix(u.Path, "/") {
		u.Path = "/" + u.Path // Windows drive letters
	}
	return u.String()
}

// URIToPath converts a file:// URI to a filesystem path. Other schemes
// return "".
func URIToPath(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		return ""
	}
	p := u.Path
	if len(p) > 2 && p[0] == '/' && p[2] == ':' {
		p = p[1:]
	}
	return filepath.FromSlash(p)
}

// languageID maps a file extension to the LSP language identifier.
func languageID(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".tsx":
		return "typescriptreact"
	case ".ts", ".mts", ".cts":
		return "typescript"
	case ".jsx":
		return "javascriptreact"
	case ".js", ".mjs", ".cjs":
		return "javascript"
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".rs":
		return "rust"
	case ".kt", ".kts":
		return "kotlin"
	case ".swift":
		return "swift"
	}
	return "plaintext"
}
