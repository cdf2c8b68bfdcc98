// Package inspect renders orchestration log entries for terminals.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/switchyard/internal/history"
	"github.com/mattjoyce/switchyard/internal/orchestrator"
)

// Getter loads one log entry.
type Getter interface {
	Get(ctx context.Context, requestID string) (*history.Entry, error)
}

// Report is the structured form of one processed trigger.
type Report struct {
	RequestID  string             `json:"request_id"`
	Kind       string             `json:"trigger_type"`
	Source     string             `json:"source"`
	Repository string             `json:"repository,omitempty"`
	Content    string             `json:"content,omitempty"`
	Stage      string             `json:"stage"`
	Success    bool               `json:"success"`
	Error      string             `json:"error,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	Fallback   bool               `json:"fallback_used"`
	Scores     map[string]float64 `json:"scores,omitempty"`
	ElapsedMS  int64              `json:"elapsed_ms"`
	RecordedAt time.Time          `json:"recorded_at"`
	Servers    []ServerStep       `json:"servers"`
}

// ServerStep is one server's part in the dispatch.
type ServerStep struct {
	Server    string         `json:"server"`
	Success   bool           `json:"success"`
	Attempts  int            `json:"attempts"`
	ElapsedMS int64          `json:"elapsed_ms"`
	Error     string         `json:"error,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Build assembles the report for requestID.
func Build(ctx context.Context, g Getter, requestID string) (*Report, error) {
	if strings.TrimSpace(requestID) == "" {
		return nil, fmt.Errorf("request id is required")
	}
	e, err := g.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return FromEntry(e)
}

// FromEntry decodes the stored result of e.
func FromEntry(e *history.Entry) (*Report, error) {
	r := &Report{
		RequestID:  e.RequestID,
		Kind:       e.Kind,
		Source:     e.Source,
		Repository: e.Repository,
		Stage:      e.Stage,
		Success:    e.Success,
		Error:      e.Error,
		Fallback:   e.FallbackUsed,
		ElapsedMS:  e.ElapsedMS,
		RecordedAt: e.CreatedAt,
		Servers:    []ServerStep{},
	}
	if len(e.Result) == 0 {
		return r, nil
	}

	var res orchestrator.Result
	if err := json.Unmarshal(e.Result, &res); err != nil {
		return nil, fmt.Errorf("decode stored result for %s: %w", e.RequestID, err)
	}
	r.Content = res.Trigger.Content
	if res.Routing != nil {
		r.Reason = res.Routing.Reason
		r.Scores = res.Routing.Scores
	}
	for _, o := range res.Outcomes {
		r.Servers = append(r.Servers, ServerStep{
			Server:    o.Server,
			Success:   o.Success,
			Attempts:  o.Attempts,
			ElapsedMS: o.Elapsed.Milliseconds(),
			Error:     o.Error,
			Payload:   o.Payload,
		})
	}
	return r, nil
}

// Text renders r for a terminal.
func (r *Report) Text() string {
	var out strings.Builder
	fmt.Fprintf(&out, "Request     : %s\n", r.RequestID)
	fmt.Fprintf(&out, "Trigger     : %s from %s\n", r.Kind, r.Source)
	if r.Repository != "" {
		fmt.Fprintf(&out, "Repository  : %s\n", r.Repository)
	}
	fmt.Fprintf(&out, "Recorded    : %s\n", r.RecordedAt.Format(time.RFC3339))
	fmt.Fprintf(&out, "Outcome     : %s (stage %s, %dms)\n", outcome(r.Success), r.Stage, r.ElapsedMS)
	if r.Error != "" {
		fmt.Fprintf(&out, "Error       : %s\n", r.Error)
	}
	if r.Reason != "" {
		fmt.Fprintf(&out, "Routing     : %s\n", r.Reason)
	}
	if r.Fallback {
		fmt.Fprintf(&out, "Fallback    : yes\n")
	}
	if r.Content != "" {
		fmt.Fprintf(&out, "Content     : %s\n", abbreviate(r.Content, 120))
	}

	for i, s := range r.Servers {
		fmt.Fprintf(&out, "\n[%d] %s", i+1, s.Server)
		if score, ok := r.Scores[s.Server]; ok {
			fmt.Fprintf(&out, " (score %.3f)", score)
		}
		fmt.Fprintf(&out, "\n    result     : %s\n", outcome(s.Success))
		fmt.Fprintf(&out, "    attempts   : %d\n", s.Attempts)
		fmt.Fprintf(&out, "    elapsed    : %dms\n", s.ElapsedMS)
		if s.Error != "" {
			fmt.Fprintf(&out, "    error      : %s\n", s.Error)
		}
		if len(s.Payload) > 0 {
			fmt.Fprintf(&out, "    payload    :\n")
			for _, line := range strings.Split(prettyJSON(s.Payload), "\n") {
				fmt.Fprintf(&out, "      %s\n", line)
			}
		}
	}
	return out.String()
}

// JSON renders r as indented JSON.
func (r *Report) JSON() (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

// WriteTable lists entries one per line.
func WriteTable(w io.Writer, entries []history.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REQUEST\tWHEN\tTRIGGER\tSOURCE\tRESULT\tSERVERS\tELAPSED")
	for _, e := range entries {
		servers := "-"
		if len(e.Selected) > 0 {
			sel := append([]string(nil), e.Selected...)
			sort.Strings(sel)
			servers = strings.Join(sel, ",")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%dms\n",
			e.RequestID,
			e.CreatedAt.Format(time.RFC3339),
			e.Kind,
			e.Source,
			outcome(e.Success),
			servers,
			e.ElapsedMS,
		)
	}
	return tw.Flush()
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}

func abbreviate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func prettyJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
