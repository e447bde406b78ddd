package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kalambet/marginalia/internal/annotation"
	"github.com/kalambet/marginalia/internal/config"
	"github.com/kalambet/marginalia/internal/docstore"
	"github.com/kalambet/marginalia/internal/reconcile"
	"github.com/kalambet/marginalia/internal/storage"
)

// applyResult mirrors the apply and re-add responses.
type applyResult struct {
	Applied     []string                    `json:"applied"`
	Failed      []string                    `json:"failed"`
	Rejected    []string                    `json:"rejected"`
	Annotations []annotation.ToolAnnotation `json:"annotations"`
}

func listThreads(ctx context.Context, c *apiClient) ([]string, error) {
	resp, err := c.get(ctx, "/threads")
	if err != nil {
		return nil, err
	}
	var out struct {
		Threads []string `json:"threads"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return out.Threads, nil
}

func printAnnotations(w io.Writer, recs []annotation.ToolAnnotation) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No annotations.")
		return
	}
	for _, r := range recs {
		status := string(r.Status())
		detail := r.ExternalKey()
		if msg := r.ErrorMessage(); msg != "" {
			detail = msg
		}
		fmt.Fprintf(w, "%s  %-8s  %-9s  %s p.%d  %s\n",
			colorize(colorBold, r.ID),
			colorize(statusColor(status), status),
			r.Type,
			r.AttachmentKey,
			r.Location.MinPageIndex()+1,
			detail,
		)
	}
}

func printApplyResult(w io.Writer, res applyResult) {
	printAnnotations(w, res.Annotations)
	switch {
	case len(res.Failed) > 0 || len(res.Rejected) > 0:
		printWarning("%d applied, %d failed, %d rejected", len(res.Applied), len(res.Failed), len(res.Rejected))
	case len(res.Applied) == 0:
		printStep("Nothing to apply")
	default:
		printSuccess("%d applied", len(res.Applied))
	}
}

// --- annotations ---

var annotationsCmd = &cobra.Command{
	Use:     "annotations",
	Aliases: []string{"ann"},
	Short:   "Inspect and act on proposed annotations",
}

var annotationsThreadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List threads with an open session",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		threads, err := listThreads(cmd.Context(), client)
		if err != nil {
			return err
		}
		if len(threads) == 0 {
			fmt.Println("No open threads.")
			return nil
		}
		for _, t := range threads {
			fmt.Println(t)
		}
		return nil
	},
}

var annotationsListCmd = &cobra.Command{
	Use:   "list <thread> <toolcall>",
	Short: "List the annotations of a tool call",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), toolCallPath(args[0], args[1], "/annotations"))
		if err != nil {
			return err
		}
		var recs []annotation.ToolAnnotation
		if err := decodeJSON(resp, &recs); err != nil {
			return err
		}
		printAnnotations(os.Stdout, recs)
		return nil
	},
}

var annotationsProposeCmd = &cobra.Command{
	Use:   "propose <thread> <file>",
	Short: "Stream proposals from a JSON array file into a new tool call",
	Long: `Stream proposals from a JSON array file into a tool call and complete it.

Example:
  marginalia annotations propose thread-1 ./proposals.json --toolcall tc-42`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("reading proposals: %w", err)
		}
		var proposals []json.RawMessage
		if err := json.Unmarshal(data, &proposals); err != nil {
			return fmt.Errorf("proposals must be a JSON array: %w", err)
		}

		toolCall, _ := cmd.Flags().GetString("toolcall")
		if toolCall == "" {
			toolCall = uuid.NewString()
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return proposeAll(cmd.Context(), client, args[0], toolCall, proposals)
	},
}

func proposeAll(ctx context.Context, c *apiClient, thread, toolCall string, proposals []json.RawMessage) error {
	for _, p := range proposals {
		resp, err := c.post(ctx, toolCallPath(thread, toolCall, "/events"), p)
		if err != nil {
			return err
		}
		var ack struct {
			ID string `json:"id"`
		}
		if err := decodeJSON(resp, &ack); err != nil {
			return err
		}
		printStep("Proposed %s", ack.ID)
	}

	resp, err := c.post(ctx, toolCallPath(thread, toolCall, "/complete"), nil)
	if err != nil {
		return err
	}
	if err := decodeJSON(resp, nil); err != nil {
		return err
	}
	printSuccess("Tool call %s completed with %d proposals", toolCall, len(proposals))
	return nil
}

var annotationsApplyCmd = &cobra.Command{
	Use:   "apply <thread> <toolcall>",
	Short: "Apply pending annotations to the library",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		path := toolCallPath(args[0], args[1], "/apply")
		if id != "" {
			path = toolCallPath(args[0], args[1], "/annotations/"+url.PathEscape(id)+"/apply")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), path, nil)
		if err != nil {
			return err
		}
		var res applyResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printApplyResult(os.Stdout, res)
		return nil
	},
}

var annotationsDeleteCmd = &cobra.Command{
	Use:   "delete <thread> <toolcall> <id>",
	Short: "Delete an annotation and its library item",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), toolCallPath(args[0], args[1], "/annotations/"+url.PathEscape(args[2])))
		if err != nil {
			return err
		}
		var rec annotation.ToolAnnotation
		if err := decodeJSON(resp, &rec); err != nil {
			return err
		}
		if rec.Status() == annotation.StatusError {
			printError("Delete of %s failed: %s", rec.ID, rec.ErrorMessage())
			return nil
		}
		printSuccess("Deleted %s", rec.ID)
		return nil
	},
}

var annotationsReAddCmd = &cobra.Command{
	Use:   "readd <thread> <toolcall> <id>",
	Short: "Apply a deleted or failed annotation again",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), toolCallPath(args[0], args[1], "/annotations/"+url.PathEscape(args[2])+"/readd"), nil)
		if err != nil {
			return err
		}
		var res applyResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printApplyResult(os.Stdout, res)
		return nil
	},
}

var annotationsReconcileCmd = &cobra.Command{
	Use:   "reconcile <thread> <toolcall>",
	Short: "Mark annotations removed from the library as deleted",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), toolCallPath(args[0], args[1], "/reconcile"), nil)
		if err != nil {
			return err
		}
		var res reconcile.Result
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printStatus("Checked", "%d", res.Checked)
		printStatus("Skipped", "%d", res.Skipped)
		for _, id := range res.Deleted {
			printWarning("%s was removed from the library", id)
		}
		return nil
	},
}

func init() {
	annotationsProposeCmd.Flags().String("toolcall", "", "tool call id (default: random)")
	annotationsApplyCmd.Flags().String("id", "", "apply only this annotation")

	annotationsCmd.AddCommand(annotationsThreadsCmd)
	annotationsCmd.AddCommand(annotationsListCmd)
	annotationsCmd.AddCommand(annotationsProposeCmd)
	annotationsCmd.AddCommand(annotationsApplyCmd)
	annotationsCmd.AddCommand(annotationsDeleteCmd)
	annotationsCmd.AddCommand(annotationsReAddCmd)
	annotationsCmd.AddCommand(annotationsReconcileCmd)
}

// --- library ---

var libraryCmd = &cobra.Command{
	Use:     "library",
	Aliases: []string{"lib"},
	Short:   "Manage the local PDF library",
}

func libraryPath(lib string, suffix string) (string, error) {
	if _, err := strconv.ParseInt(lib, 10, 64); err != nil {
		return "", fmt.Errorf("library id must be an integer: %q", lib)
	}
	return "/library/" + lib + suffix, nil
}

var libraryAttachmentsCmd = &cobra.Command{
	Use:   "attachments <library>",
	Short: "List attached PDFs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := libraryPath(args[0], "/attachments")
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var atts []storage.Attachment
		if err := decodeJSON(resp, &atts); err != nil {
			return err
		}
		if len(atts) == 0 {
			fmt.Println("No attachments.")
			return nil
		}
		for _, a := range atts {
			fmt.Printf("%s  %3d pages  %s\n", colorize(colorCyan, a.Key), a.PageCount, a.Title)
		}
		return nil
	},
}

var libraryAttachCmd = &cobra.Command{
	Use:   "attach <library> <file.pdf>",
	Short: "Attach a PDF to the library",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := libraryPath(args[0], "/attachments")
		if err != nil {
			return err
		}
		title, _ := cmd.Flags().GetString("title")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), path, map[string]string{"path": args[1], "title": title})
		if err != nil {
			return err
		}
		var a storage.Attachment
		if err := decodeJSON(resp, &a); err != nil {
			return err
		}
		printSuccess("Attached %s as %s (%d pages)", a.Title, a.Key, a.PageCount)
		return nil
	},
}

var libraryItemsCmd = &cobra.Command{
	Use:   "items <library>",
	Short: "List annotations stored in the library",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := libraryPath(args[0], "/items")
		if err != nil {
			return err
		}
		if att, _ := cmd.Flags().GetString("attachment"); att != "" {
			path += "?attachment=" + url.QueryEscape(att)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var items []docstore.Item
		if err := decodeJSON(resp, &items); err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("No items.")
			return nil
		}
		for _, it := range items {
			fmt.Printf("%s  %-9s  %s p.%d  %s\n",
				colorize(colorCyan, it.Key), it.Type, it.AttachmentKey, it.Location.MinPageIndex()+1, it.Comment)
		}
		return nil
	},
}

var libraryRemoveCmd = &cobra.Command{
	Use:   "remove <library> <key>",
	Short: "Remove an item directly from the library",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := libraryPath(args[0], "/items/"+url.PathEscape(args[1]))
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), path)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Removed %s", args[1])
		return nil
	},
}

func init() {
	libraryAttachCmd.Flags().String("title", "", "title (default: file name)")
	libraryItemsCmd.Flags().String("attachment", "", "only items on this attachment")

	libraryCmd.AddCommand(libraryAttachmentsCmd)
	libraryCmd.AddCommand(libraryAttachCmd)
	libraryCmd.AddCommand(libraryItemsCmd)
	libraryCmd.AddCommand(libraryRemoveCmd)
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
			if k.FromEnv {
				fmt.Printf("  %s = %s %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorYellow, "(from "+k.EnvVar+")"))
				continue
			}
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
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
