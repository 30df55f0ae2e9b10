// Package content assembles prompts for the content features from a brand
// style profile and the lessons learned from earlier feedback.
package content

import (
	"fmt"
	"strings"

	"github.com/brandvoice/contentops/internal/models"
)

// Feature tags recorded with every metered call.
const (
	FeatureGenerate  = "content_generate"
	FeatureBulk      = "content_bulk"
	FeatureChat      = "chatbot_reply"
	FeatureTranslate = "translate"
)

var kindBriefs = map[string]string{
	models.KindNewsletter:       "Write an email newsletter with a subject line, a short intro and two to four sections.",
	models.KindSocialPost:       "Write a single social media post under 280 characters with at most two hashtags.",
	models.KindCarousel:         "Write a carousel of 5 to 8 slides. Return one slide per line as \"Slide N: text\".",
	models.KindGrantApplication: "Write a grant application section with a clear problem statement, approach and expected impact.",
}

// Kinds returns the supported content kinds.
func Kinds() []string {
	return []string{models.KindNewsletter, models.KindSocialPost, models.KindCarousel, models.KindGrantApplication}
}

// BuildSystemPrompt renders the system message for a generation request.
func BuildSystemPrompt(kind string, style *models.StyleProfile, lessons []string) (string, error) {
	brief, ok := kindBriefs[kind]
	if !ok {
		return "", fmt.Errorf("unsupported content kind %q, expected one of: %s", kind, strings.Join(Kinds(), ", "))
	}

	var b strings.Builder
	b.WriteString("You are a senior content writer for a small business.\n")
	b.WriteString(brief)
	b.WriteString("\n")
	writeStyle(&b, style)
	writeLessons(&b, lessons)
	return b.String(), nil
}

// BuildUserPrompt renders the user message for a topic.
func BuildUserPrompt(topic, instructions string) string {
	prompt := "Topic: " + strings.TrimSpace(topic)
	if s := strings.TrimSpace(instructions); s != "" {
		prompt += "\nAdditional instructions: " + s
	}
	return prompt
}

// BuildChatSystemPrompt renders the system message for the customer chatbot.
func BuildChatSystemPrompt(style *models.StyleProfile) string {
	var b strings.Builder
	b.WriteString("You are the customer assistant for this business. Answer briefly and stay on topic.\n")
	writeStyle(&b, style)
	return b.String()
}

// BuildTranslatePrompt renders the system message for a translation.
func BuildTranslatePrompt(targetLanguage string, style *models.StyleProfile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Translate the user's text into %s. Keep formatting and brand names unchanged. Return only the translation.\n", targetLanguage)
	writeStyle(&b, style)
	return b.String()
}

func writeStyle(b *strings.Builder, style *models.StyleProfile) {
	if style == nil {
		return
	}
	b.WriteString("\nBrand voice:\n")
	if style.BrandName != "" {
		fmt.Fprintf(b, "- Brand: %s\n", style.BrandName)
	}
	if style.Tone != "" {
		fmt.Fprintf(b, "- Tone: %s\n", style.Tone)
	}
	if style.Audience != "" {
		fmt.Fprintf(b, "- Audience: %s\n", style.Audience)
	}
	if style.Language != "" {
		fmt.Fprintf(b, "- Language: %s\n", style.Language)
	}
	for _, do := range style.DoList {
		fmt.Fprintf(b, "- Do: %s\n", do)
	}
	for _, dont := range style.DontList {
		fmt.Fprintf(b, "- Avoid: %s\n", dont)
	}
}

func writeLessons(b *strings.Builder, lessons []string) {
	written := false
	for _, l := range lessons {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if !written {
			b.WriteString("\nLessons from previous feedback:\n")
			written = true
		}
		fmt.Fprintf(b, "- %s\n", l)
	}
}
