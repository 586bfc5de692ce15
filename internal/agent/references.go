package agent

import "encoding/json"

// Reference points at a source the turn's answer drew on: a project
// item that was searched or analyzed, or a web page that was cited.
type Reference struct {
	Type       string  `json:"type"` // "projectData" or "web"
	ID         string  `json:"id,omitempty"`
	Filename   string  `json:"filename,omitempty"`
	Score      float64 `json:"score,omitempty"`
	Title      string  `json:"title,omitempty"`
	URL        string  `json:"url,omitempty"`
	UsedInStep int     `json:"usedInStep,omitempty"`
	ToolCall   string  `json:"toolCall,omitempty"`
}

// ExtractReferences derives references from a completed execution
// trace. It is a pure function of the trace: outputs are parsed, never
// re-fetched, and malformed or non-JSON outputs are skipped without
// error. Duplicates (same item ID or URL) keep their first occurrence.
func ExtractReferences(executions []ToolExecution) []Reference {
	var refs []Reference
	seen := make(map[string]bool)

	add := func(e ToolExecution, r Reference) {
		key := r.Type + "\x00" + r.ID + r.URL
		if (r.ID == "" && r.URL == "") || seen[key] {
			return
		}
		seen[key] = true
		r.UsedInStep = e.Step
		r.ToolCall = e.Tool
		refs = append(refs, r)
	}

	for _, e := range executions {
		if e.IsError {
			continue
		}

		switch e.Tool {
		case "search_project_data", "search_similar_items":
			var out struct {
				Results []struct {
					ID       string  `json:"id"`
					Filename string  `json:"filename"`
					Score    float64 `json:"score"`
				} `json:"results"`
			}
			if json.Unmarshal([]byte(e.Output), &out) != nil {
				continue
			}
			for _, r := range out.Results {
				add(e, Reference{Type: "projectData", ID: r.ID, Filename: r.Filename, Score: r.Score})
			}

		case "analyze_image":
			var out struct {
				Error    string `json:"error"`
				DataID   string `json:"dataId"`
				Filename string `json:"filename"`
			}
			if json.Unmarshal([]byte(e.Output), &out) != nil || out.Error != "" {
				continue
			}
			add(e, Reference{Type: "projectData", ID: out.DataID, Filename: out.Filename})

		case "project_data_analysis":
			var out struct {
				Error    string `json:"error"`
				ID       string `json:"id"`
				Filename string `json:"filename"`
			}
			if json.Unmarshal([]byte(e.Output), &out) != nil || out.Error != "" {
				continue
			}
			add(e, Reference{Type: "projectData", ID: out.ID, Filename: out.Filename})

		case "search_web":
			var out struct {
				Citations []struct {
					Title string `json:"title"`
					URL   string `json:"url"`
				} `json:"citations"`
			}
			if json.Unmarshal([]byte(e.Output), &out) != nil {
				continue
			}
			for _, c := range out.Citations {
				add(e, Reference{Type: "web", Title: c.Title, URL: c.URL})
			}
		}
	}

	return refs
}
