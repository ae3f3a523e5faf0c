package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	jsoniter "github.com/json-iterator/go"
	"github.com/olekukonko/tablewriter"

	"github.com/grafana/memscan/pkg/memory"
	"github.com/grafana/memscan/pkg/scanner"
)

type entityView struct {
	PID        int             `json:"pid"`
	Kind       string          `json:"kind"`
	Start      string          `json:"start"`
	End        string          `json:"end"`
	Size       uint64          `json:"size"`
	Path       string          `json:"path,omitempty"`
	Signing    string          `json:"signing,omitempty"`
	Flags      string          `json:"flags,omitempty"`
	Indicators []indicatorView `json:"indicators,omitempty"`
}

type indicatorView struct {
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
	Range    string `json:"range"`
	Detail   string `json:"detail,omitempty"`
}

// views lists the entities of the results with their indicators. Unless all
// is set only flagged entities are kept.
func views(results []*scanner.Result, all bool) []entityView {
	var res []entityView
	for _, r := range results {
		byEntity := make(map[memory.Entity][]indicatorView)
		for _, ind := range r.Indicators {
			byEntity[ind.Entity] = append(byEntity[ind.Entity], indicatorView{
				Kind:     ind.Kind.String(),
				Severity: ind.Severity.String(),
				Range:    ind.Range.String(),
				Detail:   ind.Detail,
			})
		}
		for _, e := range r.Entities {
			inds := byEntity[e]
			if !all && len(inds) == 0 {
				continue
			}
			res = append(res, viewOf(r.PID, e, inds))
		}
	}
	return res
}

func viewOf(pid int, e memory.Entity, inds []indicatorView) entityView {
	v := entityView{
		PID:        pid,
		Kind:       e.Kind().String(),
		Start:      e.Start().String(),
		End:        e.End().String(),
		Size:       e.Size(),
		Indicators: inds,
	}
	var flags memory.Flags
	for _, sub := range e.Subregions() {
		flags |= sub.Flags()
	}
	if flags != 0 {
		v.Flags = flags.String()
	}
	if fb, ok := e.(memory.FileBacked); ok {
		v.Path = fb.FilePath()
	}
	if b, ok := e.(*memory.Body); ok {
		v.Signing = fmt.Sprintf("%s/%s", b.SigningType(), b.SigningLevel())
	}
	return v
}

func renderJSON(w io.Writer, results []*scanner.Result, all bool) error {
	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w)
	for _, v := range views(results, all) {
		if err := enc.Encode(v); err != nil {
			return err
		}
	}
	return nil
}

func renderTable(w io.Writer, results []*scanner.Result, all bool) error {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"PID", "Range", "Kind", "Size", "Path", "Signing", "Indicators"})
	table.SetAutoWrapText(false)
	for _, v := range views(results, all) {
		table.Append([]string{
			fmt.Sprintf("%d", v.PID),
			v.Start + "-" + v.End,
			v.Kind,
			humanize.IBytes(v.Size),
			v.Path,
			v.Signing,
			indicatorList(v.Indicators),
		})
	}
	table.Render()
	return nil
}

func indicatorList(inds []indicatorView) string {
	names := make([]string, 0, len(inds))
	for _, ind := range inds {
		names = append(names, severityColor(ind.Severity)(ind.Kind))
	}
	return strings.Join(names, " ")
}

func severityColor(s string) func(format string, a ...interface{}) string {
	switch s {
	case scanner.SeverityHigh.String():
		return color.RedString
	case scanner.SeverityMedium.String():
		return color.YellowString
	}
	return color.CyanString
}
