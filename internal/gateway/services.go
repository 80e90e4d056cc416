package gateway

import (
	"fmt"
	"os"

	"github.com/stellarlinkco/caseintake/internal/config"
	"github.com/stellarlinkco/caseintake/internal/evidence"
	"github.com/stellarlinkco/caseintake/internal/extract"
	"github.com/stellarlinkco/caseintake/internal/intake"
	"github.com/stellarlinkco/caseintake/internal/llm"
	"github.com/stellarlinkco/caseintake/internal/prompts"
	"github.com/stellarlinkco/caseintake/internal/review"
	"github.com/stellarlinkco/caseintake/internal/session"
)

// ClientFactory creates the reasoning collaborator (allows mocking in tests)
type ClientFactory func(cfg *config.Config) (llm.Client, error)

// DefaultClientFactory builds the agentsdk-go provider named in cfg.
func DefaultClientFactory(cfg *config.Config) (llm.Client, error) {
	c, err := llm.NewProviderClient(cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Options for creating a Gateway or a Services bundle
type Options struct {
	ClientFactory ClientFactory
	Extractor     extract.Extractor
	Prompts       *prompts.Set
	SignalChan    chan os.Signal // for testing signal handling
}

// Services bundles the domain components shared by the gateway and the
// one-shot CLI commands.
type Services struct {
	Config    *config.Config
	Prompts   *prompts.Set
	Ledger    *evidence.Ledger
	Store     *session.MemoryStore
	Registry  *session.Registry
	Client    llm.Client
	Extractor extract.Extractor
	Intake    *intake.Interviewer
	Review    *review.Pipeline
}

func NewServices(cfg *config.Config, opts Options) (*Services, error) {
	set := opts.Prompts
	if set == nil {
		var err error
		set, err = prompts.Load(cfg.PromptsPath)
		if err != nil {
			return nil, fmt.Errorf("load prompts: %w", err)
		}
	}

	factory := opts.ClientFactory
	if factory == nil {
		factory = DefaultClientFactory
	}
	client, err := factory(cfg)
	if err != nil {
		return nil, err
	}

	ex := opts.Extractor
	if ex == nil {
		ex = NewExtractor(cfg, client, set)
	}

	s := &Services{
		Config:    cfg,
		Prompts:   set,
		Ledger:    evidence.NewLedger(cfg.Storage.LedgerPath),
		Store:     session.NewMemoryStore(),
		Client:    client,
		Extractor: ex,
	}
	s.Registry = session.NewRegistry(s.Store).WithPrefix(cfg.Intake.CasePrefix)
	s.Intake = intake.New(s.Ledger, s.Registry, s.Store, client, ex, set, intake.Options{
		Model:         cfg.Models.Reasoning,
		Temperature:   cfg.Models.Temperature,
		MaxTurns:      cfg.Intake.MaxTurns,
		MaxRedFlags:   cfg.Intake.MaxRedFlags,
		HistoryWindow: cfg.Intake.HistoryWindow,
		Debug:         cfg.Debug,
	})
	s.Review = review.NewPipeline(s.Ledger, client, set, ReviewOptions(cfg))
	return s, nil
}

// ReviewOptions maps the model and review settings onto the pipeline.
func ReviewOptions(cfg *config.Config) review.Options {
	return review.Options{
		ReasoningModel: cfg.Models.Reasoning,
		FriendlyModel:  cfg.Models.Friendly,
		Temperature:    cfg.Models.Temperature,
		QuoteLimit:     cfg.Review.QuoteLimit,
		Debug:          cfg.Debug,
	}
}

// NewExtractor wires PDF text extraction, vision OCR for images and plain
// text files.
func NewExtractor(cfg *config.Config, client llm.Client, set *prompts.Set) *extract.Router {
	return &extract.Router{
		PDF: extract.NewPDFExtractor(cfg.Extract.UnidocLicenseKey),
		Image: &extract.VisionOCR{
			Client: client,
			Model:  cfg.Models.VisionModel(),
			System: set.Vision.System,
			Prompt: set.Vision.User,
		},
		Text: extract.TextExtractor{},
	}
}
