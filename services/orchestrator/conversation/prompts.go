// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

// Default prompt and budget values for a new ContextManager.
const (
	// DefaultModelMaxTokens is the model token budget the summary threshold
	// is derived from.
	DefaultModelMaxTokens = 12288

	// DefaultSummaryFraction is the share of DefaultModelMaxTokens the
	// working context may reach before it is summarized.
	DefaultSummaryFraction = 0.8

	// DefaultMessagesToKeep is how many trailing messages survive a
	// summarization verbatim.
	DefaultMessagesToKeep = 10

	// DefaultMaxToolIterations caps model calls per turn when a Toolbox is set.
	DefaultMaxToolIterations = 8

	// MessagesPlaceholder is replaced with the rendered transcript in the
	// summary prompt.
	MessagesPlaceholder = "{messages}"
)

// DefaultSystemPrompt is the system instruction sent with every model call.
const DefaultSystemPrompt = `You are a friendly and helpful chat assistant.

Guidelines:
- Answer questions accurately and clearly.
- Keep a warm, natural tone.
- When you are not sure about something, say so honestly.
- Reply in the language the user writes in.`

// DefaultSummaryPrompt asks the model to compress older messages.
const DefaultSummaryPrompt = `Summarize the following conversation history concisely.

Requirements:
1. Keep the important context and key information.
2. Remove redundant greetings and small talk.
3. Highlight the user's main requests and the assistant's key replies.

Conversation history:
{messages}

Summary:`

// DefaultWelcomeMessage is returned by GET /api/welcome.
const DefaultWelcomeMessage = `Hello! I am an AI chat assistant.

I can:
- answer your questions
- offer suggestions and ideas
- have a friendly conversation

Tell me what you need any time.`

// MaxTokensBeforeSummary derives the summary threshold from a model budget
// and a fraction, truncating toward zero.
func MaxTokensBeforeSummary(modelMaxTokens int, fraction float64) int {
	return int(float64(modelMaxTokens) * fraction)
}
