package extract

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/stellarlinkco/caseintake/internal/evidence"
	"github.com/stellarlinkco/caseintake/internal/llm"
)

// VisionOCR transcribes images through a multimodal model.
type VisionOCR struct {
	Client llm.Client
	Model  string
	System string
	Prompt string
}

func (v *VisionOCR) Extract(ctx context.Context, path string) (Document, error) {
	mediaType := imageTypes[strings.ToLower(filepath.Ext(path))]
	if mediaType == "" {
		return Document{}, fmt.Errorf("vision %s: %w", filepath.Base(path), ErrUnsupported)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read image: %w", err)
	}

	prompt := v.Prompt
	if strings.TrimSpace(prompt) == "" {
		prompt = "Transcribe all text in this image."
	}
	msg := model.Message{
		Role: "user",
		ContentBlocks: []model.ContentBlock{
			{Type: model.ContentBlockText, Text: prompt},
			{Type: model.ContentBlockImage, MediaType: mediaType, Data: base64.StdEncoding.EncodeToString(data)},
		},
	}
	text, err := v.Client.Complete(ctx, llm.Request{
		Model:       v.Model,
		System:      v.System,
		Messages:    []model.Message{msg},
		Temperature: llm.Float(0),
	})
	if err != nil {
		return Document{}, err
	}
	return Document{Full: evidence.NormalizeText(text)}, nil
}
