package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/caseintake/internal/config"
	"github.com/stellarlinkco/caseintake/internal/evidence"
	"github.com/stellarlinkco/caseintake/internal/extract"
	"github.com/stellarlinkco/caseintake/internal/gateway"
	"github.com/stellarlinkco/caseintake/internal/intake"
	"github.com/stellarlinkco/caseintake/internal/prompts"
	"github.com/stellarlinkco/caseintake/internal/review"
)

const promptsFileName = "prompts.yaml"

var errNoAPIKey = errors.New("API key not set. Run 'caseintake onboard' or set CASEINTAKE_API_KEY / OPENAI_API_KEY / ANTHROPIC_API_KEY")

// CLIOptions for running one-shot commands with custom dependencies
type CLIOptions struct {
	ClientFactory gateway.ClientFactory
	Extractor     extract.Extractor
	Stdout        io.Writer
}

func (o CLIOptions) stdout() io.Writer {
	if o.Stdout == nil {
		return os.Stdout
	}
	return o.Stdout
}

func (o CLIOptions) services(cfg *config.Config) (*gateway.Services, error) {
	return gateway.NewServices(cfg, gateway.Options{
		ClientFactory: o.ClientFactory,
		Extractor:     o.Extractor,
	})
}

var rootCmd = &cobra.Command{
	Use:   "caseintake",
	Short: "caseintake - medical case intake over chat",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Telegram gateway (channels + idle sweep)",
	RunE:  runServe,
}

var reviewCmd = &cobra.Command{
	Use:   "review <case_id>",
	Short: "Analyze the evidence of a case and print the review package",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReviewWithOptions(CLIOptions{}, args[0])
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Extract a local file into a case as evidence",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIngestWithOptions(CLIOptions{}, args[0])
	},
}

var regressCmd = &cobra.Command{
	Use:   "regress",
	Short: "Run the regression cases and write assessments for comparison",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRegressWithOptions(CLIOptions{})
	},
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config, prompts and storage directories",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show caseintake status",
	RunE:  runStatus,
}

var (
	userFlag  string
	caseFlag  string
	casesFlag string
	jsonFlag  bool
)

func init() {
	reviewCmd.Flags().StringVarP(&userFlag, "user", "u", "", "User the evidence belongs to")
	reviewCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print the package as JSON")
	_ = reviewCmd.MarkFlagRequired("user")

	ingestCmd.Flags().StringVarP(&userFlag, "user", "u", "", "User the evidence belongs to")
	ingestCmd.Flags().StringVarP(&caseFlag, "case", "c", "", "Existing case to attach to (default: a new case)")
	_ = ingestCmd.MarkFlagRequired("user")

	regressCmd.Flags().StringVar(&casesFlag, "cases", "tests/cases", "Directory of *.json regression cases")

	rootCmd.AddCommand(serveCmd, reviewCmd, ingestCmd, regressCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Provider.APIKey == "" {
		return errNoAPIKey
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(context.Background())
}

func runReviewWithOptions(opts CLIOptions, caseID string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	svc, err := opts.services(cfg)
	if err != nil {
		return err
	}

	pkg, err := svc.Review.Review(context.Background(), caseID, userFlag)
	if err != nil {
		return fmt.Errorf("review %s: %w", caseID, err)
	}

	out := opts.stdout()
	if jsonFlag {
		data, err := json.MarshalIndent(pkg, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal package: %w", err)
		}
		fmt.Fprintln(out, string(data))
		return nil
	}
	fmt.Fprintln(out, pkg.Format(svc.Prompts.Messages.ReviewTitle))
	return nil
}

func runIngestWithOptions(opts CLIOptions, src string) error {
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	svc, err := opts.services(cfg)
	if err != nil {
		return err
	}

	if caseFlag != "" {
		svc.Store.SetCase(userFlag, caseFlag)
	}
	armed := svc.Intake.BeginAddFile(userFlag)

	dest := filepath.Join(cfg.Storage.ArtifactsDir,
		fmt.Sprintf("upload_%s_%d%s", armed.CaseID, time.Now().Unix(), strings.ToLower(filepath.Ext(src))))
	if err := copyFile(src, dest); err != nil {
		svc.Intake.Cancel(userFlag)
		return err
	}

	reply := svc.Intake.HandleFile(context.Background(), userFlag, intake.File{
		Path: dest,
		Name: filepath.Base(src),
	})
	if reply.Outcome == intake.OutcomeForceClosed {
		return fmt.Errorf("ingest %s (%s): %w", src, reply.Reason, reply.Err)
	}

	out := opts.stdout()
	for _, m := range reply.Messages {
		fmt.Fprintln(out, m)
	}
	fmt.Fprintf(out, "Case: %s\n", reply.CaseID)
	return nil
}

func copyFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("create artifacts dir: %w", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}

// regressCase is one file of the regression corpus.
type regressCase struct {
	CaseID string `json:"case_id"`
	UserID userID `json:"user_id"`
	Inputs struct {
		Text string `json:"text"`
		Labs string `json:"labs"`
	} `json:"inputs"`
}

// userID accepts both numeric and string identities.
type userID string

func (u *userID) UnmarshalJSON(data []byte) error {
	id, err := evidence.ParseUserID(data)
	if err != nil {
		return err
	}
	*u = userID(id)
	return nil
}

func (c regressCase) records() []evidence.Record {
	user := string(c.UserID)
	if user == "" {
		user = "0"
	}
	src := evidence.Source{Type: evidence.SourceTest}
	var recs []evidence.Record
	if c.Inputs.Text != "" {
		recs = append(recs, evidence.New(c.CaseID, user, evidence.RolePatientText, c.Inputs.Text, src))
	}
	if c.Inputs.Labs != "" {
		recs = append(recs, evidence.New(c.CaseID, user, evidence.RoleLab, c.Inputs.Labs, src))
	}
	return recs
}

func runRegressWithOptions(opts CLIOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	svc, err := opts.services(cfg)
	if err != nil {
		return err
	}

	paths, err := filepath.Glob(filepath.Join(casesFlag, "*.json"))
	if err != nil {
		return fmt.Errorf("list cases: %w", err)
	}
	sort.Strings(paths)
	if err := os.MkdirAll(cfg.Storage.CompareDir, 0755); err != nil {
		return fmt.Errorf("create compare dir: %w", err)
	}

	out := opts.stdout()
	failed := 0
	for _, p := range paths {
		if err := regressOne(svc, cfg, p); err != nil {
			failed++
			fmt.Fprintf(out, "FAIL %s: %v\n", filepath.Base(p), err)
			continue
		}
		fmt.Fprintf(out, "ok   %s\n", filepath.Base(p))
	}
	fmt.Fprintf(out, "Done. See %s\n", cfg.Storage.CompareDir)
	if failed > 0 {
		return fmt.Errorf("%d of %d cases failed", failed, len(paths))
	}
	return nil
}

func regressOne(svc *gateway.Services, cfg *config.Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read case: %w", err)
	}
	var c regressCase
	if err := json.Unmarshal(data, &c); err != nil {
		return fmt.Errorf("parse case: %w", err)
	}
	if c.CaseID == "" {
		return errors.New("case_id is required")
	}

	recs := c.records()
	if err := svc.Ledger.Append(recs...); err != nil {
		return err
	}

	// Only the records just written are analyzed; earlier runs of the same
	// case stay in the ledger untouched.
	user := "0"
	if len(recs) > 0 {
		user = recs[0].UserID
	}
	p := review.NewPipeline(review.Records(recs), svc.Client, svc.Prompts, gateway.ReviewOptions(cfg))
	a, err := p.Analyze(context.Background(), c.CaseID, user)
	if err != nil {
		return err
	}

	body, err := review.MarshalAssessment(a)
	if err != nil {
		return fmt.Errorf("marshal assessment: %w", err)
	}
	dest := filepath.Join(cfg.Storage.CompareDir, c.CaseID+".json")
	if err := os.WriteFile(dest, []byte(body+"\n"), 0644); err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		cfg.PromptsPath = filepath.Join(cfgDir, promptsFileName)
		if err := config.SaveConfig(cfg); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	writeIfNotExists(filepath.Join(cfgDir, promptsFileName), prompts.DefaultYAML())

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	for _, dir := range []string{cfg.Storage.ArtifactsDir, filepath.Dir(cfg.Storage.LedgerPath), cfg.Storage.CompareDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create storage dir: %w", err)
		}
	}

	fmt.Printf("Storage ready: %s\n", cfg.Storage.ArtifactsDir)
	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key and Telegram token\n", cfgPath)
	fmt.Println("  2. Or set CASEINTAKE_API_KEY and TELEGRAM_BOT_TOKEN environment variables")
	fmt.Println("  3. Run 'caseintake serve' to start the bot")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Provider: %s\n", cfg.Provider.Type)
	fmt.Printf("API Key: %s\n", maskKey(cfg.Provider.APIKey))
	fmt.Printf("Models: reasoning=%s friendly=%s vision=%s\n", cfg.Models.Reasoning, cfg.Models.Friendly, cfg.Models.VisionModel())
	fmt.Printf("Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)

	if info, err := os.Stat(cfg.Storage.LedgerPath); err != nil {
		fmt.Printf("Ledger: %s (empty)\n", cfg.Storage.LedgerPath)
	} else {
		fmt.Printf("Ledger: %s (%d bytes)\n", cfg.Storage.LedgerPath, info.Size())
	}
	if _, err := os.Stat(cfg.Storage.ArtifactsDir); err != nil {
		fmt.Println("Artifacts: not found (run 'caseintake onboard')")
	} else {
		fmt.Printf("Artifacts: %s\n", cfg.Storage.ArtifactsDir)
	}

	return nil
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

func writeIfNotExists(path string, content []byte) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.WriteFile(path, content, 0644)
		fmt.Printf("  Created: %s\n", path)
	}
}
