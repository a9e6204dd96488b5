package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"

	"syncd/pkg/artifact"
	"syncd/services/syncctl"
)

func main() {
	_ = godotenv.Load()

	cfg, err := syncctl.LoadConfig(context.Background(), envconfig.OsLookuper())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load config: %v\n", err)
		os.Exit(1)
	}
	if err := newRootCommand(cfg, os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type cli struct {
	cfg    syncctl.Config
	output string
	stdout io.Writer
}

func (c *cli) publisher() (*syncctl.Client, error) {
	if c.cfg.PublisherURL == "" {
		return nil, fmt.Errorf("--publisher or SYNCCTL_PUBLISHER_URL is required")
	}
	return syncctl.NewClient(c.cfg.PublisherURL, c.cfg.PublisherToken, nil, c.cfg.Timeout)
}

func (c *cli) consumer() (*syncctl.Client, error) {
	if c.cfg.ConsumerURL == "" {
		return nil, fmt.Errorf("--consumer or SYNCCTL_CONSUMER_URL is required")
	}
	return syncctl.NewClient(c.cfg.ConsumerURL, c.cfg.ConsumerToken, nil, c.cfg.Timeout)
}

// call runs one admin request and prints the response document.
func (c *cli) call(cmd *cobra.Command, client func() (*syncctl.Client, error), method, path string, body any) error {
	cl, err := client()
	if err != nil {
		return err
	}
	doc, err := cl.Call(cmd.Context(), method, path, body)
	if err != nil {
		return err
	}
	return syncctl.Print(c.stdout, c.output, doc)
}

func newRootCommand(cfg syncctl.Config, stdout io.Writer) *cobra.Command {
	c := &cli{cfg: cfg, stdout: stdout}

	cmd := &cobra.Command{
		Use:           "syncctl",
		Short:         "Operator tool for template publishers and consumer sites",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(stdout)

	flags := cmd.PersistentFlags()
	flags.StringVar(&c.cfg.PublisherURL, "publisher", cfg.PublisherURL, "Publisher base URL")
	flags.StringVar(&c.cfg.PublisherToken, "publisher-token", cfg.PublisherToken, "Publisher admin token")
	flags.StringVar(&c.cfg.ConsumerURL, "consumer", cfg.ConsumerURL, "Consumer site base URL")
	flags.StringVar(&c.cfg.ConsumerToken, "consumer-token", cfg.ConsumerToken, "Consumer admin token")
	flags.DurationVar(&c.cfg.Timeout, "timeout", cfg.Timeout, "Request timeout")
	flags.StringVarP(&c.output, "output", "o", syncctl.FormatJSON, "Output format (json|yaml)")

	cmd.AddCommand(
		newChecksumCommand(c),
		newTemplatesCommand(c),
		newDeployCommand(c),
		newDeploymentsCommand(c),
		newConsumersCommand(c),
		newSiteCommand(c),
		newBundleCommand(c),
	)
	return cmd
}

func groupCommand(use, short string, children ...*cobra.Command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(children...)
	return cmd
}

func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func newChecksumCommand(c *cli) *cobra.Command {
	var write string
	cmd := &cobra.Command{
		Use:   "checksum FILE",
		Short: "Compute or verify the checksum of a template version file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			draft, err := syncctl.LoadDraft(args[0])
			if err != nil {
				return err
			}
			if draft.GlobalTemplateID == uuid.Nil {
				return fmt.Errorf("global_template_id is required to compute a checksum")
			}
			if draft.Checksum != "" {
				if err := artifact.Validate(draft); err != nil {
					return err
				}
				fmt.Fprintf(c.stdout, "ok %s\n", draft.Checksum)
				return nil
			}

			sealed, err := artifact.Seal(draft)
			if err != nil {
				return err
			}
			if write != "" {
				data, err := json.MarshalIndent(sealed, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(write, append(data, '\n'), 0o644); err != nil {
					return fmt.Errorf("write sealed artifact: %w", err)
				}
			}
			fmt.Fprintln(c.stdout, sealed.Checksum)
			return nil
		},
	}
	cmd.Flags().StringVar(&write, "write", "", "Write the sealed artifact JSON to this path")
	return cmd
}

func newTemplatesCommand(c *cli) *cobra.Command {
	publish := &cobra.Command{
		Use:   "publish FILE",
		Short: "Publish a template version file to the publisher",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			draft, err := syncctl.LoadDraft(args[0])
			if err != nil {
				return err
			}
			if draft.GlobalTemplateID == uuid.Nil {
				return fmt.Errorf("global_template_id is required")
			}
			return c.call(cmd, c.publisher, http.MethodPost, "/templates/"+draft.GlobalTemplateID.String()+"/versions", map[string]any{
				"version": draft.Version,
				"name":    draft.Name,
				"slug":    draft.Slug,
				"type":    string(draft.Type),
				"payload": draft.Payload,
			})
		},
	}

	history := &cobra.Command{
		Use:   "history TEMPLATE_ID",
		Short: "List the published versions of a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.call(cmd, c.publisher, http.MethodGet, "/templates/"+id.String()+"/versions", nil)
		},
	}

	show := &cobra.Command{
		Use:   "get TEMPLATE_ID VERSION",
		Short: "Show one stored template version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.call(cmd, c.publisher, http.MethodGet, "/templates/"+id.String()+"/versions/"+url.PathEscape(args[1]), nil)
		},
	}

	return groupCommand("templates", "Publisher template registry", publish, history, show)
}

func newDeployCommand(c *cli) *cobra.Command {
	var (
		templates []string
		targets   []string
		version   string
		dryRun    bool
		inline    bool
		retries   int
	)

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Push templates to consumer sites",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids := make([]uuid.UUID, 0, len(templates))
			for _, raw := range templates {
				id, err := parseID(raw)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			return c.call(cmd, c.publisher, http.MethodPost, "/deploy", map[string]any{
				"template_ids": ids,
				"targets":      targets,
				"options": map[string]any{
					"version": version,
					"dry_run": dryRun,
					"inline":  inline,
					"retries": retries,
				},
			})
		},
	}

	cmd.Flags().StringSliceVar(&templates, "template", nil, "Template id to deploy (repeatable)")
	cmd.Flags().StringSliceVar(&targets, "target", nil, "Consumer id, name or URL (repeatable)")
	cmd.Flags().StringVar(&version, "version", "", "Pin a version instead of the latest")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report the diff without applying")
	cmd.Flags().BoolVar(&inline, "inline", false, "Embed the artifact instead of sending a fetch URL")
	cmd.Flags().IntVar(&retries, "retries", 0, "Delivery attempts per target (0 uses the publisher default)")
	_ = cmd.MarkFlagRequired("template")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func newDeploymentsCommand(c *cli) *cobra.Command {
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent deployments",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/deployments"
			if limit > 0 {
				path += "?limit=" + strconv.Itoa(limit)
			}
			return c.call(cmd, c.publisher, http.MethodGet, path, nil)
		},
	}
	list.Flags().IntVar(&limit, "limit", 0, "Maximum number of deployments")

	get := &cobra.Command{
		Use:   "get DEPLOYMENT_ID",
		Short: "Show one deployment and its per-target results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.call(cmd, c.publisher, http.MethodGet, "/deployments/"+id.String(), nil)
		},
	}

	return groupCommand("deployments", "Deployment jobs", list, get)
}

func newConsumersCommand(c *cli) *cobra.Command {
	var name, siteURL string
	enroll := &cobra.Command{
		Use:   "enroll",
		Short: "Enroll a consumer site and print its credential",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, c.publisher, http.MethodPost, "/consumers", map[string]any{"name": name, "url": siteURL})
		},
	}
	enroll.Flags().StringVar(&name, "name", "", "Consumer name")
	enroll.Flags().StringVar(&siteURL, "url", "", "Consumer base URL")
	_ = enroll.MarkFlagRequired("url")

	list := &cobra.Command{
		Use:   "list",
		Short: "List enrolled consumers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, c.publisher, http.MethodGet, "/consumers", nil)
		},
	}

	rotate := &cobra.Command{
		Use:   "rotate CONSUMER_ID",
		Short: "Issue a new shared secret for a consumer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.call(cmd, c.publisher, http.MethodPost, "/consumers/"+id.String()+"/rotate", nil)
		},
	}

	status := &cobra.Command{
		Use:   "status CONSUMER_ID active|disabled",
		Short: "Enable or disable deliveries to a consumer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.call(cmd, c.publisher, http.MethodPost, "/consumers/"+id.String()+"/status", map[string]any{"status": args[1]})
		},
	}

	return groupCommand("consumers", "Consumer enrollment and credentials", enroll, list, rotate, status)
}

func newSiteCommand(c *cli) *cobra.Command {
	templates := &cobra.Command{
		Use:   "templates",
		Short: "List installed template mappings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, c.consumer, http.MethodGet, "/templates", nil)
		},
	}

	show := &cobra.Command{
		Use:   "template TEMPLATE_ID",
		Short: "Show a mapping and its local resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.call(cmd, c.consumer, http.MethodGet, "/templates/"+id.String(), nil)
		},
	}

	snapshots := &cobra.Command{
		Use:   "snapshots TEMPLATE_ID",
		Short: "List rollback snapshots, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.call(cmd, c.consumer, http.MethodGet, "/templates/"+id.String()+"/snapshots", nil)
		},
	}

	var rollbackVersion string
	rollback := &cobra.Command{
		Use:   "rollback TEMPLATE_ID",
		Short: "Restore the previous installed version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			path := "/templates/" + id.String() + "/rollback"
			if rollbackVersion != "" {
				path += "?version=" + url.QueryEscape(rollbackVersion)
			}
			return c.call(cmd, c.consumer, http.MethodPost, path, nil)
		},
	}
	rollback.Flags().StringVar(&rollbackVersion, "version", "", "Restore the newest snapshot of this version")

	status := &cobra.Command{
		Use:   "status TEMPLATE_ID active|disabled",
		Short: "Pause or resume updates for a template",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.call(cmd, c.consumer, http.MethodPost, "/templates/"+id.String()+"/status", map[string]any{"status": args[1]})
		},
	}

	sync := &cobra.Command{
		Use:   "sync",
		Short: "Run one pull cycle against the publisher",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, c.consumer, http.MethodPost, "/sync", nil)
		},
	}

	var secret string
	rotate := &cobra.Command{
		Use:   "rotate-credential",
		Short: "Replace the site's shared secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var body any
			if secret != "" {
				body = map[string]any{"secret": secret}
			}
			return c.call(cmd, c.consumer, http.MethodPost, "/credential/rotate", body)
		},
	}
	rotate.Flags().StringVar(&secret, "secret", "", "Use this secret instead of generating one")

	return groupCommand("site", "Consumer site operations", templates, show, snapshots, rollback, status, sync, rotate)
}

func newBundleCommand(c *cli) *cobra.Command {
	var (
		templates   []string
		allVersions bool
		output      string
	)
	export := &cobra.Command{
		Use:   "export",
		Short: "Write templates from the publisher into a signed bundle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := c.publisher()
			if err != nil {
				return err
			}
			signer, err := syncctl.NewSigner(c.cfg.AgeSecretKey, c.cfg.AgePublicKey)
			if err != nil {
				return err
			}
			ids := make([]uuid.UUID, 0, len(templates))
			for _, raw := range templates {
				id, err := parseID(raw)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			_, err = syncctl.Export(cmd.Context(), syncctl.ExportConfig{
				Client:      client,
				TemplateIDs: ids,
				AllVersions: allVersions,
				Output:      output,
				Signer:      signer,
				Stdout:      c.stdout,
			})
			return err
		},
	}
	export.Flags().StringSliceVar(&templates, "template", nil, "Template id to export (repeatable)")
	export.Flags().BoolVar(&allVersions, "all-versions", false, "Export every version instead of the latest")
	export.Flags().StringVar(&output, "file", "", "Destination bundle file (tar.zst)")
	_ = export.MarkFlagRequired("template")
	_ = export.MarkFlagRequired("file")

	var bundleFile string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Verify a bundle and publish its templates",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := c.publisher()
			if err != nil {
				return err
			}
			signer, err := syncctl.NewSigner(c.cfg.AgeSecretKey, c.cfg.AgePublicKey)
			if err != nil {
				return err
			}
			result, err := syncctl.Import(cmd.Context(), syncctl.ImportConfig{
				BundlePath: bundleFile,
				Client:     client,
				Signer:     signer,
				Stdout:     c.stdout,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "%d published, %d skipped\n", result.Published, result.Skipped)
			return nil
		},
	}
	importCmd.Flags().StringVar(&bundleFile, "file", "", "Path to the bundle tar.zst")
	_ = importCmd.MarkFlagRequired("file")

	return groupCommand("bundle", "Signed template bundles for air-gapped publishers", export, importCmd)
}
