package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"dopcast/internal/runs"
	"dopcast/internal/status"
)

// runParamsInput collects the flags shared by submit and schedule add.
type runParamsInput struct {
	eventID      string
	episodeType  string
	textOnly     bool
	stageOptions []string
}

func (in *runParamsInput) registerFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&in.eventID, "event", "", "Event identifier the episode covers")
	cmd.Flags().StringVar(&in.episodeType, "type", "", "Episode type (race_review, race_preview, news_roundup, technical_deep_dive)")
	cmd.Flags().BoolVar(&in.textOnly, "text-only", false, "Skip voice synthesis and produce a transcript")
	cmd.Flags().StringArrayVar(&in.stageOptions, "option", nil, "Per-stage options as stage=<json> (repeatable)")
}

func (in *runParamsInput) build(sport string) (runs.Params, error) {
	params := runs.Params{
		Sport:       strings.TrimSpace(sport),
		EventID:     strings.TrimSpace(in.eventID),
		EpisodeType: strings.TrimSpace(in.episodeType),
		TextOnly:    in.textOnly,
	}
	if params.Sport == "" {
		return runs.Params{}, fmt.Errorf("sport is required")
	}
	if len(in.stageOptions) > 0 {
		params.Stages = make(map[string]json.RawMessage, len(in.stageOptions))
		for _, option := range in.stageOptions {
			stage, raw, ok := strings.Cut(option, "=")
			stage = strings.TrimSpace(stage)
			if !ok || stage == "" {
				return runs.Params{}, fmt.Errorf("invalid --option %q: expected stage=<json>", option)
			}
			if !json.Valid([]byte(raw)) {
				return runs.Params{}, fmt.Errorf("invalid --option %q: value is not valid JSON", option)
			}
			params.Stages[stage] = json.RawMessage(raw)
		}
	}
	return params, nil
}

func runRows(views []status.RunView) [][]string {
	rows := make([][]string, 0, len(views))
	for _, view := range views {
		stage := view.Stage
		if stage == "" {
			stage = "-"
		}
		rows = append(rows, []string{
			shortID(view.ID),
			string(view.Status),
			view.Sport,
			orDash(view.EpisodeType),
			stage,
			formatAge(view.CreatedAt),
		})
	}
	return rows
}

var runTableHeaders = []string{"ID", "Status", "Sport", "Type", "Stage", "Age"}

var runTableAligns = []columnAlignment{
	alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight,
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}
