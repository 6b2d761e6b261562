package main

import (
	"bytes"
	"embed"
	"encoding/json"
	"encoding/xml"
	"html/template"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/liamcoop/datadictionary/internal/logger"
)

//go:embed templates/*.html
var templateFiles embed.FS

type format int

const (
	formatJSON format = iota
	formatXML
	formatHTML
)

// negotiate picks the response format from the Accept header. Browsers list
// text/html ahead of xml, so html is checked first.
func negotiate(r *http.Request) format {
	accept := strings.ToLower(r.Header.Get("Accept"))
	switch {
	case strings.Contains(accept, "text/html"):
		return formatHTML
	case strings.Contains(accept, "application/xml"), strings.Contains(accept, "text/xml"):
		return formatXML
	default:
		return formatJSON
	}
}

type renderer struct {
	template      *template.Template
	jqueryURI     string
	dataTablesURI string
}

func newRenderer(jqueryURI, dataTablesURI string) (*renderer, error) {
	tmpl, err := template.New("root").ParseFS(templateFiles, "templates/*.html")
	if err != nil {
		return nil, err
	}
	return &renderer{
		template:      tmpl,
		jqueryURI:     jqueryURI,
		dataTablesURI: dataTablesURI,
	}, nil
}

// respond writes v as XML when the client asked for it and as JSON otherwise.
func (rd *renderer) respond(w http.ResponseWriter, r *http.Request, status int, v any) {
	if negotiate(r) == formatXML {
		respondXML(w, status, v)
		return
	}
	respondJSON(w, status, v)
}

// respondDictionary also serves the DataTables page to browsers.
func (rd *renderer) respondDictionary(w http.ResponseWriter, r *http.Request, title string, resp DictionaryResponse) {
	if negotiate(r) != formatHTML {
		rd.respond(w, r, http.StatusOK, resp)
		return
	}

	columns, rows := tableRows(resp)
	params := map[string]any{
		"Title":         title,
		"JQueryURI":     rd.jqueryURI,
		"DataTablesURI": rd.dataTablesURI,
		"Response":      resp,
		"Columns":       columns,
		"Rows":          rows,
	}

	var output bytes.Buffer
	if err := rd.template.ExecuteTemplate(&output, "dictionary.html", params); err != nil {
		logger.Error("failed to render template", "template", "dictionary.html", "error", err)
		http.Error(w, "Template rendering error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	w.Write(output.Bytes())
}

func tableRows(resp DictionaryResponse) ([]string, [][]string) {
	edges := slices.ContainsFunc(resp.Fields, func(f MetadataField) bool { return f.Relationship != "" })

	var columns []string
	if edges {
		columns = []string{"Data Type", "Source Field", "Target Field", "Relationship", "Markings", "Last Updated"}
	} else {
		columns = []string{"Field Name", "Data Type", "Descriptions", "Markings", "Extra Info", "Last Updated"}
	}

	rows := make([][]string, 0, len(resp.Fields))
	for _, f := range resp.Fields {
		updated := ""
		if !f.LastUpdated.IsZero() {
			updated = f.LastUpdated.Format(time.DateTime)
		}
		if edges {
			rows = append(rows, []string{f.DataType, f.SourceField, f.TargetField, f.Relationship, joinMap(f.Markings), updated})
			continue
		}
		descriptions := make([]string, 0, len(f.Descriptions))
		for _, d := range f.Descriptions {
			descriptions = append(descriptions, d.Text)
		}
		rows = append(rows, []string{
			f.FieldName, f.DataType, strings.Join(descriptions, "; "),
			joinMap(f.Markings), joinMap(f.ExtraInfo), updated,
		})
	}
	return columns, rows
}

func joinMap(m map[string]string) string {
	parts := make([]string, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		parts = append(parts, k+"="+m[k])
	}
	return strings.Join(parts, ", ")
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Debug("failed to write response", "error", err)
	}
}

func respondXML(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	w.Write([]byte(xml.Header))
	if err := xml.NewEncoder(w).Encode(data); err != nil {
		logger.Debug("failed to write response", "error", err)
	}
}
