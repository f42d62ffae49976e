package engine

import (
	"encoding/json"
	"fmt"
	"html"
	"sort"
	"strings"
)

// DataOutputHTML renders a DataOutput value. A list of records becomes a table
// with one column per key, a record becomes a two-column key/value table, and
// anything else is shown as JSON.
func DataOutputHTML(v any) string {
	switch val := v.(type) {
	case []any:
		if rows, ok := recordRows(val); ok && len(rows) > 0 {
			return rowsTable(rows)
		}
	case map[string]any:
		return recordTable(val)
	}
	return "<pre>" + html.EscapeString(jsonText(v)) + "</pre>"
}

func recordRows(list []any) ([]map[string]any, bool) {
	rows := make([]map[string]any, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		rows = append(rows, m)
	}
	return rows, true
}

// rowsTable uses the union of keys as headers, in first-seen order.
func rowsTable(rows []map[string]any) string {
	var headers []string
	seen := map[string]bool{}
	for _, row := range rows {
		keys := sortedKeys(row)
		for _, k := range keys {
			if !seen[k] {
				seen[k] = true
				headers = append(headers, k)
			}
		}
	}

	var b strings.Builder
	b.WriteString("<table><thead><tr>")
	for _, h := range headers {
		b.WriteString("<th>" + html.EscapeString(h) + "</th>")
	}
	b.WriteString("</tr></thead><tbody>")
	for _, row := range rows {
		b.WriteString("<tr>")
		for _, h := range headers {
			b.WriteString("<td>" + html.EscapeString(cellText(row[h])) + "</td>")
		}
		b.WriteString("</tr>")
	}
	b.WriteString("</tbody></table>")
	return b.String()
}

func recordTable(m map[string]any) string {
	var b strings.Builder
	b.WriteString("<table><tbody>")
	for _, k := range sortedKeys(m) {
		b.WriteString("<tr><th>" + html.EscapeString(k) + "</th><td>" + html.EscapeString(cellText(m[k])) + "</td></tr>")
	}
	b.WriteString("</tbody></table>")
	return b.String()
}

func cellText(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64, bool:
		return fmt.Sprint(x)
	}
	return jsonText(v)
}

func jsonText(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
