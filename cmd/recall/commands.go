package main

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/recall/internal/config"
)

// --- search ---

type searchHit struct {
	Record struct {
		ID        string   `json:"id"`
		Type      string   `json:"type"`
		Title     string   `json:"title"`
		Tags      []string `json:"tags"`
		ProjectID string   `json:"project_id"`
	} `json:"record"`
	Score     float64 `json:"score"`
	MatchedBy string  `json:"matched_by"`
	Snippet   string  `json:"snippet"`
}

type searchResult struct {
	Query         string                 `json:"query"`
	Mode          string                 `json:"mode"`
	Degraded      bool                   `json:"degraded"`
	TotalResults  int                    `json:"total_results"`
	ResultsByType map[string][]searchHit `json:"results_by_type"`
	Suggestions   []string               `json:"suggestions"`
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search stored records",
	Long: `Search stored records with hybrid semantic and keyword ranking.

Examples:
  recall search "connection pooling"
  recall search --mode keyword --types decisions "retry budget"
  recall search --project billing "invoice rounding"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		mode, _ := cmd.Flags().GetString("mode")
		types, _ := cmd.Flags().GetString("types")
		project, _ := cmd.Flags().GetString("project")
		limit, _ := cmd.Flags().GetInt("limit")

		req := map[string]any{"query": query}
		if mode != "" {
			req["mode"] = mode
		}
		if list := splitList(types); list != nil {
			req["content_types"] = list
		}
		if project != "" {
			req["project_id"] = project
		}
		if limit > 0 {
			req["max_results"] = limit
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/search/hybrid", req)
		if err != nil {
			return err
		}

		var result searchResult
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		renderSearchResult(result)
		return nil
	},
}

var similarCmd = &cobra.Command{
	Use:   "similar <type> <id>",
	Short: "Find records similar to an existing one",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		threshold, _ := cmd.Flags().GetFloat64("threshold")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := fmt.Sprintf("/search/similar/%s/%s?maxResults=%d",
			url.PathEscape(args[0]), url.PathEscape(args[1]), limit)
		if threshold >= 0 {
			path += fmt.Sprintf("&threshold=%g", threshold)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var result searchResult
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		renderSearchResult(result)
		return nil
	},
}

func renderSearchResult(res searchResult) {
	if res.Degraded {
		printWarning("semantic search unavailable, showing keyword matches")
	}
	if res.TotalResults == 0 {
		fmt.Println("No results found.")
		if len(res.Suggestions) > 0 {
			fmt.Println("Did you mean:")
			for _, s := range res.Suggestions {
				fmt.Printf("  %s\n", s)
			}
		}
		return
	}

	for _, contentType := range []string{"decisions", "patterns", "notes"} {
		hits := res.ResultsByType[contentType]
		if len(hits) == 0 {
			continue
		}
		fmt.Printf("\n%s\n", colorize(colorBold, contentType))
		for _, hit := range hits {
			fmt.Printf("  %s  %s [%.3f %s]\n",
				colorize(colorCyan, shortID(hit.Record.ID)), hit.Record.Title, hit.Score, hit.MatchedBy)
			if len(hit.Record.Tags) > 0 {
				fmt.Printf("      tags: %s\n", strings.Join(hit.Record.Tags, ", "))
			}
			if hit.Snippet != "" {
				fmt.Printf("      %s\n", renderSnippet(hit.Snippet))
			}
		}
	}
}

// renderSnippet turns the <em> match markers into terminal highlighting.
func renderSnippet(s string) string {
	if noColor {
		s = strings.ReplaceAll(s, "<em>", "")
		return strings.ReplaceAll(s, "</em>", "")
	}
	s = strings.ReplaceAll(s, "<em>", colorBold)
	return strings.ReplaceAll(s, "</em>", colorReset)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func init() {
	searchCmd.Flags().String("mode", "", "search mode: semantic, keyword, or hybrid")
	searchCmd.Flags().String("types", "", "comma-separated content types")
	searchCmd.Flags().String("project", "", "restrict results to one project")
	searchCmd.Flags().Int("limit", 10, "maximum number of results")

	similarCmd.Flags().Int("limit", 10, "maximum number of results")
	similarCmd.Flags().Float64("threshold", -1, "minimum similarity score in [0, 1]")
}

// --- record ---

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Manage records",
}

var recordAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create or update a record",
	Long: `Create or update a record from explicit fields, a local file, or a URL.
Files and URLs are sent to the server for text extraction (PDF, HTML,
or plain text).

Examples:
  recall record add --type decisions --title "Use SQLite" --body "One file, no server."
  recall record add --type notes --file ./meeting-notes.pdf --tags standup
  recall record add --type patterns --url https://example.com/post --project billing`,
	RunE: func(cmd *cobra.Command, args []string) error {
		contentType, _ := cmd.Flags().GetString("type")
		id, _ := cmd.Flags().GetString("id")
		title, _ := cmd.Flags().GetString("title")
		body, _ := cmd.Flags().GetString("body")
		file, _ := cmd.Flags().GetString("file")
		srcURL, _ := cmd.Flags().GetString("url")
		tags, _ := cmd.Flags().GetString("tags")
		project, _ := cmd.Flags().GetString("project")

		if contentType == "" {
			return fmt.Errorf("--type is required")
		}
		if body == "" && file == "" && srcURL == "" {
			return fmt.Errorf("one of --body, --file, or --url is required")
		}

		req := map[string]any{"type": contentType}
		if id != "" {
			req["id"] = id
		}
		if title != "" {
			req["title"] = title
		}
		if body != "" {
			req["body"] = body
		}
		if project != "" {
			req["project_id"] = project
		}
		if list := splitList(tags); list != nil {
			req["tags"] = list
		}

		switch {
		case file != "":
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			req["file"] = base64.StdEncoding.EncodeToString(data)
			if title == "" {
				req["title"] = filepath.Base(file)
			}
		case srcURL != "":
			req["url"] = srcURL
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/records", req)
		if err != nil {
			return err
		}

		var created struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		}
		if err := decodeJSON(resp, &created); err != nil {
			return err
		}
		printSuccess("Saved %s/%s", created.Type, created.ID)
		return nil
	},
}

var recordGetCmd = &cobra.Command{
	Use:   "get <type> <id>",
	Short: "Show one record as JSON",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/records/"+url.PathEscape(args[0])+"/"+url.PathEscape(args[1]))
		if err != nil {
			return err
		}

		var record any
		if err := decodeJSON(resp, &record); err != nil {
			return err
		}
		return printJSON(record)
	},
}

var recordDeleteCmd = &cobra.Command{
	Use:   "delete <type> <id>",
	Short: "Delete a record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/records/"+url.PathEscape(args[0])+"/"+url.PathEscape(args[1]))
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			return apiError(resp)
		}
		printSuccess("Deleted %s/%s", args[0], args[1])
		return nil
	},
}

func init() {
	recordAddCmd.Flags().String("type", "", "content type: decisions, patterns, or notes")
	recordAddCmd.Flags().String("id", "", "record id (generated when empty)")
	recordAddCmd.Flags().String("title", "", "record title")
	recordAddCmd.Flags().String("body", "", "record body text")
	recordAddCmd.Flags().String("file", "", "file to extract the body from")
	recordAddCmd.Flags().String("url", "", "URL to fetch and extract the body from")
	recordAddCmd.Flags().String("tags", "", "comma-separated tags")
	recordAddCmd.Flags().String("project", "", "project id")

	recordCmd.AddCommand(recordAddCmd, recordGetCmd, recordDeleteCmd)
}

// --- embeddings ---

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Queue a batch embedding job",
	Long: `Queue a batch embedding job for records without stored vectors.

Examples:
  recall process --type notes
  recall process --type decisions --project billing --batch-size 100`,
	RunE: func(cmd *cobra.Command, args []string) error {
		contentType, _ := cmd.Flags().GetString("type")
		project, _ := cmd.Flags().GetString("project")
		batchSize, _ := cmd.Flags().GetInt("batch-size")

		if contentType == "" {
			return fmt.Errorf("--type is required")
		}

		req := map[string]any{"content_type": contentType}
		if project != "" {
			req["project_id"] = project
		}
		if batchSize > 0 {
			req["batch_size"] = batchSize
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/embeddings/process", req)
		if err != nil {
			return err
		}

		var job struct {
			JobID            string `json:"job_id"`
			TotalItems       int    `json:"total_items"`
			EstimatedSeconds int    `json:"estimated_seconds"`
		}
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}
		printSuccess("Queued job %s (%d items, about %ds)", job.JobID, job.TotalItems, job.EstimatedSeconds)
		return nil
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect embedding jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/embeddings/jobs?limit=%d", limit))
		if err != nil {
			return err
		}

		var jobs []struct {
			ID          string `json:"id"`
			ContentType string `json:"content_type"`
			Status      string `json:"status"`
			TotalItems  int    `json:"total_items"`
			Processed   int    `json:"processed_items"`
			Failed      int    `json:"failed_items"`
		}
		if err := decodeJSON(resp, &jobs); err != nil {
			return err
		}

		if len(jobs) == 0 {
			fmt.Println("No jobs found.")
			return nil
		}
		for _, j := range jobs {
			fmt.Printf("%s  %-9s  %-9s  %d/%d",
				colorize(colorCyan, shortID(j.ID)), j.ContentType, j.Status, j.Processed, j.TotalItems)
			if j.Failed > 0 {
				fmt.Printf("  %s", colorize(colorRed, fmt.Sprintf("%d failed", j.Failed)))
			}
			fmt.Println()
		}
		return nil
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/embeddings/jobs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var job any
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}
		return printJSON(job)
	},
}

func init() {
	processCmd.Flags().String("type", "", "content type to embed")
	processCmd.Flags().String("project", "", "restrict to one project")
	processCmd.Flags().Int("batch-size", 0, "records per gateway batch")

	jobsListCmd.Flags().Int("limit", 20, "maximum number of jobs to list")
	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetKey(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Set %s = %s", args[0], args[1])
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so the default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configUnsetCmd)
}
