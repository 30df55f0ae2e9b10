package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/brandvoice/contentops/internal/content"
	"github.com/brandvoice/contentops/internal/llm"
	"github.com/brandvoice/contentops/internal/models"
	"github.com/brandvoice/contentops/internal/usage"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// complete runs one upstream call and meters it under feature.
func (s *Server) complete(ctx context.Context, feature, callerID string, req llm.Request) (*models.GenerateResponse, error) {
	req.User = callerID

	out, err := s.deps.LLM.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	rec := s.deps.Recorder.Record(ctx, usage.Input{
		Model:            out.Model,
		Feature:          feature,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
		UserID:           callerID,
	})

	return &models.GenerateResponse{
		Content: out.Content,
		Model:   out.Model,
		Usage: models.Usage{
			PromptTokens:     rec.PromptTokens,
			CompletionTokens: rec.CompletionTokens,
			TotalTokens:      rec.TotalTokens,
		},
		CostUSD: rec.CostUSD,
	}, nil
}

func (s *Server) generateContent(c *gin.Context) {
	var req models.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "Invalid request: "+err.Error())
		return
	}

	system, err := content.BuildSystemPrompt(req.Kind, req.Style, req.Lessons)
	if err != nil {
		s.badRequest(c, err.Error())
		return
	}

	resp, err := s.complete(c.Request.Context(), content.FeatureGenerate, c.GetString(ctxCallerID), llm.Request{
		Model: req.Model,
		Messages: []models.ChatCompletionMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: content.BuildUserPrompt(req.Topic, req.Instructions)},
		},
	})
	if err != nil {
		s.upstreamError(c, content.FeatureGenerate, err)
		return
	}

	resp.Topic = req.Topic
	c.JSON(http.StatusOK, resp)
}

func (s *Server) bulkGenerate(c *gin.Context) {
	var req models.BulkGenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "Invalid request: "+err.Error())
		return
	}

	topics := make([]string, 0, len(req.Topics))
	for _, t := range req.Topics {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	if len(topics) == 0 {
		s.badRequest(c, "topics must contain at least one topic")
		return
	}
	if len(topics) > s.cfg.LLM.MaxBulkItems {
		s.badRequest(c, fmt.Sprintf("at most %d topics per request", s.cfg.LLM.MaxBulkItems))
		return
	}

	system, err := content.BuildSystemPrompt(req.Kind, req.Style, req.Lessons)
	if err != nil {
		s.badRequest(c, err.Error())
		return
	}

	callerID := c.GetString(ctxCallerID)
	items := make([]models.BulkItemResult, len(topics))

	// Items fail independently; the group only bounds concurrency.
	g, ctx := errgroup.WithContext(c.Request.Context())
	g.SetLimit(s.cfg.LLM.BulkConcurrency)
	for i, topic := range topics {
		i, topic := i, topic
		g.Go(func() error {
			items[i].Topic = topic
			resp, err := s.complete(ctx, content.FeatureBulk, callerID, llm.Request{
				Model: req.Model,
				Messages: []models.ChatCompletionMessage{
					{Role: "system", Content: system},
					{Role: "user", Content: content.BuildUserPrompt(topic, req.Instructions)},
				},
			})
			if err != nil {
				s.logger.Warn("Bulk item failed",
					zap.String("topic", topic),
					zap.String("caller_id", callerID),
					zap.Error(err))
				items[i].Error = publicError(err)
				return nil
			}
			resp.Topic = topic
			items[i].Result = resp
			return nil
		})
	}
	_ = g.Wait()

	out := models.BulkGenerateResponse{Items: items}
	for _, item := range items {
		if item.Result != nil {
			out.Succeeded++
		} else {
			out.Failed++
		}
	}

	status := http.StatusOK
	if out.Succeeded == 0 {
		status = http.StatusBadGateway
	}
	c.JSON(status, out)
}

func (s *Server) chatReply(c *gin.Context) {
	var req models.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "Invalid request: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		s.badRequest(c, "messages must not be empty")
		return
	}

	messages := make([]models.ChatCompletionMessage, 0, len(req.Messages)+1)
	messages = append(messages, models.ChatCompletionMessage{Role: "system", Content: content.BuildChatSystemPrompt(req.Style)})
	for _, m := range req.Messages {
		if m.Role == "system" {
			continue
		}
		messages = append(messages, m)
	}

	resp, err := s.complete(c.Request.Context(), content.FeatureChat, c.GetString(ctxCallerID), llm.Request{
		Model:    req.Model,
		Messages: messages,
	})
	if err != nil {
		s.upstreamError(c, content.FeatureChat, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) translate(c *gin.Context) {
	var req models.TranslateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "Invalid request: "+err.Error())
		return
	}

	resp, err := s.complete(c.Request.Context(), content.FeatureTranslate, c.GetString(ctxCallerID), llm.Request{
		Model: req.Model,
		Messages: []models.ChatCompletionMessage{
			{Role: "system", Content: content.BuildTranslatePrompt(req.TargetLanguage, req.Style)},
			{Role: "user", Content: req.Text},
		},
	})
	if err != nil {
		s.upstreamError(c, content.FeatureTranslate, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, models.NewErrorResponse(msg, "invalid_request_error", "invalid_request"))
}

func (s *Server) upstreamError(c *gin.Context, feature string, err error) {
	s.logger.Error("AI request failed",
		zap.String("feature", feature),
		zap.String("caller_id", c.GetString(ctxCallerID)),
		zap.Error(err))

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, models.NewErrorResponse("Upstream model timed out", "upstream_error", "timeout"))
	case errors.Is(err, llm.ErrUpstream):
		c.JSON(http.StatusBadGateway, models.NewErrorResponse(publicError(err), "upstream_error", "upstream_failed"))
	default:
		c.JSON(http.StatusInternalServerError, models.NewErrorResponse("Internal error", "server_error", "internal"))
	}
}

func publicError(err error) string {
	var status *llm.StatusError
	if errors.As(err, &status) {
		return fmt.Sprintf("upstream model returned status %d", status.StatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "upstream model timed out"
	}
	return "upstream model request failed"
}
