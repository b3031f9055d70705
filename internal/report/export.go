package report

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/learngoat/learngoat/internal/experiment"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat accepts "json" or "csv", case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatCSV:
		return f, nil
	}
	return "", experiment.Validationf("unsupported export format %q: must be json or csv", s)
}

// Include selects the optional sections of an export. Test info is always
// written.
type Include struct {
	Variants    bool
	Metrics     bool
	Results     bool
	Assignments bool
	Summary     bool
}

// IncludeAll selects every section.
var IncludeAll = Include{Variants: true, Metrics: true, Results: true, Assignments: true, Summary: true}

// ParseInclude reads a comma-separated section list such as
// "variants,results". An empty string selects every section.
func ParseInclude(s string) (Include, error) {
	if strings.TrimSpace(s) == "" {
		return IncludeAll, nil
	}
	var inc Include
	for _, part := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "variants":
			inc.Variants = true
		case "metrics":
			inc.Metrics = true
		case "results":
			inc.Results = true
		case "assignments":
			inc.Assignments = true
		case "summary":
			inc.Summary = true
		case "all":
			return IncludeAll, nil
		case "":
		default:
			return Include{}, experiment.Validationf("unknown export section %q", part)
		}
	}
	return inc, nil
}

type jsonExport struct {
	ExportedAt time.Time `json:"exported_at"`
	Tests      []*Report `json:"tests"`
}

// Export writes the reports for testIDs to w in the given format. The format
// is checked before any test is loaded.
//
// CSV output is a sequence of labeled blocks whose widths differ: each block
// opens with a single-field "# name" row. Readers built on encoding/csv must
// set FieldsPerRecord = -1; within a block every row has the header's width.
func (b *Builder) Export(ctx context.Context, w io.Writer, testIDs []string, format Format, inc Include) error {
	if format != FormatJSON && format != FormatCSV {
		return experiment.Validationf("unsupported export format %q: must be json or csv", format)
	}
	if len(testIDs) == 0 {
		return experiment.Validationf("at least one test is required")
	}

	reports := make([]*Report, 0, len(testIDs))
	for _, id := range testIDs {
		r, assignments, err := b.build(ctx, id)
		if err != nil {
			return err
		}
		if inc.Assignments {
			r.Assignments = assignments
		}
		reports = append(reports, scope(r, inc))
	}

	if format == FormatJSON {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(jsonExport{ExportedAt: b.now().UTC(), Tests: reports}); err != nil {
			return errors.Wrap(err, "failed to encode export")
		}
		return nil
	}
	return writeCSV(w, reports, inc)
}

// scope drops the sections inc leaves out.
func scope(r *Report, inc Include) *Report {
	if !inc.Variants {
		r.Variants = nil
	}
	if !inc.Metrics {
		r.Metrics = nil
	}
	if !inc.Results {
		r.Results = nil
		r.Statistics = nil
	}
	if !inc.Summary {
		r.Summary = ""
		r.Recommendations = nil
		r.Insights = nil
		r.Winner = nil
	}
	return r
}

// writeCSV flattens reports into labeled blocks. Each block starts with a
// single-field "# name" row followed by its header row; blocks are separated
// by an empty line. Quoting follows encoding/csv: fields holding a comma, a
// quote or a newline are quoted with inner quotes doubled.
func writeCSV(w io.Writer, reports []*Report, inc Include) error {
	cw := csv.NewWriter(w)
	block := func(name string, header []string, rows [][]string) error {
		if err := cw.Write([]string{"# " + name}); err != nil {
			return err
		}
		if err := cw.Write(header); err != nil {
			return err
		}
		if err := cw.WriteAll(rows); err != nil {
			return err
		}
		// WriteAll flushes; the blank separator line is written directly.
		_, err := io.WriteString(w, "\n")
		return err
	}

	for _, r := range reports {
		if err := block("test",
			[]string{"id", "name", "description", "status", "started_at", "ended_at", "created_at"},
			[][]string{{
				r.Test.ID, r.Test.Name, r.Test.Description, string(r.Test.Status),
				formatTimePtr(r.Test.StartedAt), formatTimePtr(r.Test.EndedAt), formatTime(r.Test.CreatedAt),
			}},
		); err != nil {
			return errors.Wrap(err, "failed to write test block")
		}

		if inc.Variants {
			rows := make([][]string, 0, len(r.Variants))
			for _, v := range r.Variants {
				cfg := ""
				if len(v.Config) > 0 {
					raw, err := json.Marshal(v.Config)
					if err != nil {
						return errors.Wrapf(err, "failed to encode config of variant %q", v.Name)
					}
					cfg = string(raw)
				}
				rows = append(rows, []string{
					r.Test.ID, v.ID, v.Name, v.Description, formatFloat(v.TrafficPercentage),
					strconv.FormatBool(v.IsControl), strconv.Itoa(v.Assignments), cfg,
				})
			}
			if err := block("variants",
				[]string{"test_id", "id", "name", "description", "traffic_percentage", "is_control", "assignments", "config"},
				rows,
			); err != nil {
				return errors.Wrap(err, "failed to write variants block")
			}
		}

		if inc.Metrics {
			rows := make([][]string, 0, len(r.Metrics))
			for _, m := range r.Metrics {
				rows = append(rows, []string{
					r.Test.ID, m.ID, m.Name, m.Description, string(m.Type), m.Formula, m.Unit,
					strconv.FormatBool(m.IsActive),
				})
			}
			if err := block("metrics",
				[]string{"test_id", "id", "name", "description", "type", "formula", "unit", "is_active"},
				rows,
			); err != nil {
				return errors.Wrap(err, "failed to write metrics block")
			}
		}

		if inc.Results {
			rows := make([][]string, 0, len(r.Results))
			for _, res := range r.Results {
				rows = append(rows, []string{
					r.Test.ID, res.VariantID, res.MetricID, formatFloat(res.Value), formatFloat(res.Change),
					formatFloat(res.ChangePercentage), formatFloat(res.Confidence),
					strconv.FormatBool(res.Significance), strconv.Itoa(res.SampleSize),
				})
			}
			if err := block("results",
				[]string{"test_id", "variant_id", "metric_id", "value", "change", "change_percentage", "confidence", "significance", "sample_size"},
				rows,
			); err != nil {
				return errors.Wrap(err, "failed to write results block")
			}
		}

		if inc.Assignments {
			rows := make([][]string, 0, len(r.Assignments))
			for _, a := range r.Assignments {
				rows = append(rows, []string{a.TestID, a.UserID, a.VariantID, formatTime(a.AssignedAt)})
			}
			if err := block("assignments",
				[]string{"test_id", "user_id", "variant_id", "assigned_at"},
				rows,
			); err != nil {
				return errors.Wrap(err, "failed to write assignments block")
			}
		}

		if inc.Summary {
			rows := [][]string{
				{r.Test.ID, "summary", r.Summary},
				{r.Test.ID, "frozen", strconv.FormatBool(r.Frozen)},
				{r.Test.ID, "total_assignments", strconv.Itoa(r.TotalAssignments)},
			}
			if w := r.Winner; w != nil {
				rows = append(rows,
					[]string{r.Test.ID, "winner_variant_id", w.VariantID},
					[]string{r.Test.ID, "winner_variant", w.VariantName},
					[]string{r.Test.ID, "winner_score", formatFloat(w.Score)},
					[]string{r.Test.ID, "winner_confidence", formatFloat(w.Confidence)},
					[]string{r.Test.ID, "winner_significant", strconv.FormatBool(w.Significant)},
				)
			}
			for _, rec := range r.Recommendations {
				rows = append(rows, []string{r.Test.ID, "recommendation", rec})
			}
			for _, in := range r.Insights {
				rows = append(rows, []string{r.Test.ID, "insight", in})
			}
			if err := block("summary", []string{"test_id", "key", "value"}, rows); err != nil {
				return errors.Wrap(err, "failed to write summary block")
			}
		}
	}

	cw.Flush()
	return errors.Wrap(cw.Error(), "failed to flush csv")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
