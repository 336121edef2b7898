package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli/v3"
	"github.com/xhad/docchat/internal/models"
	"github.com/xhad/docchat/pkg/aggregator"
	"github.com/xhad/docchat/pkg/mutation"
	"github.com/xhad/docchat/pkg/scraper"
	"github.com/xhad/docchat/pkg/workspace"
	"github.com/xhad/docchat/server"
)

const previewLength = 500

func credentialFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "username", Aliases: []string{"u"}, Usage: "Account username"},
		&cli.StringFlag{Name: "password", Aliases: []string{"p"}, Sources: cli.EnvVars("DOCCHAT_PASSWORD"), Usage: "Account password"},
	}
}

func readCredentials(cmd *cli.Command) (string, string, error) {
	username, err := prompt("Username", cmd.String("username"))
	if err != nil {
		return "", "", err
	}
	password, err := prompt("Password", cmd.String("password"))
	if err != nil {
		return "", "", err
	}
	return username, password, nil
}

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Log in and remember the session",
		Flags: credentialFlags(),
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			username, password, err := readCredentials(cmd)
			if err != nil {
				return err
			}
			if err := a.session.Login(ctx, username, password); err != nil {
				return err
			}
			color.Green("✓ Logged in as %s", username)
			return nil
		}),
	}
}

func signupCommand() *cli.Command {
	return &cli.Command{
		Name:  "signup",
		Usage: "Create an account",
		Flags: credentialFlags(),
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			username, password, err := readCredentials(cmd)
			if err != nil {
				return err
			}
			user, err := a.session.Signup(ctx, username, password)
			if err != nil {
				return err
			}
			color.Green("✓ Account %s created, run 'docchat login' to continue", user.Username)
			return nil
		}),
	}
}

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "Forget the stored session",
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			a.session.Logout()
			color.Green("✓ Logged out")
			return nil
		}),
	}
}

func whoamiCommand() *cli.Command {
	return &cli.Command{
		Name:  "whoami",
		Usage: "Show the logged-in user",
		Action: withSession(func(ctx context.Context, cmd *cli.Command, a *app) error {
			user, _ := a.session.User()
			fmt.Printf("%s (id %d)\n", color.CyanString(user.Username), user.ID)
			if exp, ok := a.session.ExpiresAt(); ok {
				fmt.Printf("Session expires %s\n", exp.Local().Format(time.RFC1123))
			}
			return nil
		}),
	}
}

func printDocuments(docs []models.Document) {
	if len(docs) == 0 {
		color.Yellow("No documents")
		return
	}
	for _, d := range docs {
		fmt.Printf("%s  %-40s %-5s %s\n",
			color.CyanString("%5d", d.ID), d.Filename, d.FileType, d.UploadDate.Local().Format("2006-01-02 15:04"))
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List your documents",
		Action: withSession(func(ctx context.Context, cmd *cli.Command, a *app) error {
			docs, err := a.workspace.Documents(ctx)
			if err != nil {
				return describe("documents", err)
			}
			printDocuments(docs)
			return nil
		}),
	}
}

func searchCommand() *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "Search document contents",
		ArgsUsage: "<query>",
		Action: withSession(func(ctx context.Context, cmd *cli.Command, a *app) error {
			docs, err := a.workspace.Search(ctx, strings.Join(cmd.Args().Slice(), " "))
			if err != nil {
				return describe("search results", err)
			}
			printDocuments(docs)
			return nil
		}),
	}
}

func showCommand() *cli.Command {
	var full bool
	return &cli.Command{
		Name:      "show",
		Usage:     "Show a document",
		ArgsUsage: "<document-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "full", Usage: "Print the whole content", Destination: &full},
		},
		Action: withSession(func(ctx context.Context, cmd *cli.Command, a *app) error {
			id, err := documentIDArg(cmd, 0)
			if err != nil {
				return err
			}
			doc, err := a.workspace.Document(ctx, id)
			if err != nil {
				return describe("document", err)
			}

			color.Cyan("%s", doc.Filename)
			fmt.Printf("Type: %s  Uploaded: %s\n", doc.FileType, doc.UploadDate.Local().Format(time.RFC1123))
			if len(doc.Tags) > 0 {
				fmt.Printf("Tags: %s\n", strings.Join(doc.Tags, ", "))
			}
			content := doc.Content
			if !full && len(content) > previewLength {
				content = content[:previewLength] + "…"
			}
			fmt.Printf("\n%s\n", content)
			return nil
		}),
	}
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete a document",
		ArgsUsage: "<document-id>",
		Action: withSession(func(ctx context.Context, cmd *cli.Command, a *app) error {
			id, err := documentIDArg(cmd, 0)
			if err != nil {
				return err
			}
			if err := a.workspace.DeleteDocument(ctx, id); err != nil {
				return fmt.Errorf("failed to delete document %d: %w", id, err)
			}
			color.Green("✓ Deleted document %d", id)
			return nil
		}),
	}
}

func tagsCommand() *cli.Command {
	return &cli.Command{
		Name:      "tags",
		Usage:     "Show or replace a document's tags",
		ArgsUsage: "<document-id> [comma,separated,tags]",
		Action: withSession(func(ctx context.Context, cmd *cli.Command, a *app) error {
			id, err := documentIDArg(cmd, 0)
			if err != nil {
				return err
			}
			if cmd.Args().Len() > 1 {
				tags := workspace.ParseTags(strings.Join(cmd.Args().Tail(), ","))
				if err := a.workspace.SetTags(ctx, id, tags); err != nil {
					return fmt.Errorf("failed to update tags: %w", err)
				}
			}
			doc, err := a.workspace.Document(ctx, id)
			if err != nil {
				return describe("document", err)
			}
			if len(doc.Tags) == 0 {
				color.Yellow("No tags")
				return nil
			}
			fmt.Println(strings.Join(doc.Tags, ", "))
			return nil
		}),
	}
}

func uploadCommand() *cli.Command {
	var (
		pageURL string
		depth   int
	)
	return &cli.Command{
		Name:      "upload",
		Usage:     "Upload files, or import a web page with --url",
		ArgsUsage: "[file...]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Usage: "Import a web page as a text document", Destination: &pageURL},
			&cli.IntFlag{Name: "depth", Usage: "Also import same-site pages up to this many links away", Destination: &depth},
		},
		Action: withSession(func(ctx context.Context, cmd *cli.Command, a *app) error {
			var uploads []models.Upload
			if pageURL != "" {
				imported, err := importPages(ctx, a, pageURL, depth)
				if err != nil {
					return err
				}
				uploads = append(uploads, imported...)
			}
			for _, path := range cmd.Args().Slice() {
				f, err := os.Open(path)
				if err != nil {
					return fmt.Errorf("failed to open %s: %w", path, err)
				}
				defer f.Close()
				uploads = append(uploads, models.Upload{Filename: filepath.Base(path), Content: f})
			}

			bar := getProgressBar(-1, "📤 Uploading...")
			stop := watchUpload(a, bar)
			docs, err := a.workspace.UploadDocuments(ctx, uploads...)
			stop()
			bar.Finish()
			fmt.Print("\n")
			if err != nil {
				color.Red("✗ Upload failed: %v", err)
				return err
			}
			color.Green("✓ Uploaded %d document(s)", len(docs))
			printDocuments(docs)
			return nil
		}),
	}
}

// watchUpload mirrors the upload mutation's state into the bar description.
func watchUpload(a *app, bar interface{ Describe(string) }) (stop func()) {
	return a.workspace.Upload.Watch(func(s mutation.State) {
		bar.Describe(color.BlueString("📤 Uploading... (%s)", s.Status))
	})
}

func importPages(ctx context.Context, a *app, pageURL string, depth int) ([]models.Upload, error) {
	var fetched int32
	s, err := scraper.NewWithConfig(scraper.ScraperConfig{
		MaxDepth:  depth,
		RateLimit: a.config.Scraper.RateLimit,
		Timeout:   a.config.Scraper.Timeout,
		OnProgress: func(string) {
			atomic.AddInt32(&fetched, 1)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize scraper: %w", err)
	}

	color.Blue("\nImporting %s", pageURL)
	spinner := getSpinner("📄 Fetching pages...")
	uploads, err := s.Crawl(ctx, pageURL)
	spinner.Finish()
	fmt.Print("\r")
	if err != nil {
		return nil, fmt.Errorf("failed to import %s: %w", pageURL, err)
	}
	color.Green("✓ Fetched %d page(s)", atomic.LoadInt32(&fetched))
	return uploads, nil
}

func analyzeCommand() *cli.Command {
	return &cli.Command{
		Name:      "analyze",
		Usage:     "Summarize a document and extract key topics",
		ArgsUsage: "<document-id>",
		Action: withSession(func(ctx context.Context, cmd *cli.Command, a *app) error {
			id, err := documentIDArg(cmd, 0)
			if err != nil {
				return err
			}
			spinner := getSpinner("🤖 Analyzing...")
			analysis, err := a.workspace.AnalyzeDocument(ctx, id)
			spinner.Finish()
			fmt.Print("\r")
			if err != nil {
				return fmt.Errorf("failed to analyze document %d: %w", id, err)
			}
			printAnalysis(analysis)
			return nil
		}),
	}
}

func printAnalysis(analysis models.Analysis) {
	color.Cyan("\nSummary")
	fmt.Println(analysis.Summary)
	if topics := analysis.Topics(); len(topics) > 0 {
		color.Cyan("\nKey topics")
		for _, t := range topics {
			fmt.Printf("  • %s\n", t)
		}
	}
}

func downloadCommand() *cli.Command {
	var dir string
	return &cli.Command{
		Name:      "download",
		Usage:     "Download a document's summary",
		ArgsUsage: "<document-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Usage: "Directory to write to", Value: ".", Destination: &dir},
		},
		Action: withSession(func(ctx context.Context, cmd *cli.Command, a *app) error {
			id, err := documentIDArg(cmd, 0)
			if err != nil {
				return err
			}
			file, err := a.workspace.DownloadSummary(ctx, id)
			if err != nil {
				return describe("summary", err)
			}
			path := filepath.Join(dir, filepath.Base(file.Filename))
			if err := os.WriteFile(path, file.Data, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", path, err)
			}
			color.Green("✓ Saved %s", path)
			return nil
		}),
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "List past analyses",
		Action: withSession(func(ctx context.Context, cmd *cli.Command, a *app) error {
			items, err := a.workspace.History(ctx)
			if err != nil {
				return describe("history", err)
			}
			if len(items) == 0 {
				color.Yellow("No analyses yet")
				return nil
			}
			for _, item := range items {
				fmt.Printf("%s  %-40s %s\n",
					color.CyanString("%5d", item.Document.ID),
					item.Document.Filename,
					item.Analysis.CreatedAt.Local().Format("2006-01-02 15:04"))
			}
			return nil
		}),
	}
}

func askCommand() *cli.Command {
	var question string
	return &cli.Command{
		Name:      "ask",
		Usage:     "Ask one question across several documents",
		ArgsUsage: "<document-id>...",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "question", Aliases: []string{"q"}, Usage: "The question", Destination: &question},
		},
		Action: withSession(func(ctx context.Context, cmd *cli.Command, a *app) error {
			ids, err := documentIDArgs(cmd)
			if err != nil {
				return err
			}
			q, err := prompt("Question", question)
			if err != nil {
				return err
			}
			agg, err := aggregator.New(a.workspace)
			if err != nil {
				return err
			}

			spinner := getSpinner("🤖 Asking...")
			answer, err := agg.AskAcrossDocuments(ctx, q, ids)
			spinner.Finish()
			fmt.Print("\r")
			if err != nil {
				return err
			}
			color.New(color.FgCyan).Printf("Assistant: ")
			fmt.Println(answer.Content)
			return nil
		}),
	}
}

func summarizeCommand() *cli.Command {
	return &cli.Command{
		Name:      "summarize",
		Usage:     "Summarize several documents together",
		ArgsUsage: "<document-id>...",
		Action: withSession(func(ctx context.Context, cmd *cli.Command, a *app) error {
			ids, err := documentIDArgs(cmd)
			if err != nil {
				return err
			}
			agg, err := aggregator.New(a.workspace)
			if err != nil {
				return err
			}

			spinner := getSpinner(fmt.Sprintf("🤖 Summarizing %d documents...", len(ids)))
			summary, err := agg.SummarizeAcrossDocuments(ctx, ids)
			spinner.Finish()
			fmt.Print("\r")
			if err != nil {
				return err
			}
			fmt.Println(summary)
			return nil
		}),
	}
}

func serveCommand() *cli.Command {
	var addr string
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the chat websocket bridge",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "Listen address (overrides server.addr)", Destination: &addr},
		},
		Action: withSession(func(ctx context.Context, cmd *cli.Command, a *app) error {
			if addr == "" {
				addr = a.config.Server.Addr
			}
			s, err := server.NewWSServer(server.Config{
				Addr:         addr,
				PollInterval: a.config.Chat.PollInterval,
			}, a.workspace)
			if err != nil {
				return err
			}
			return s.ListenAndServe(ctx)
		}),
	}
}
