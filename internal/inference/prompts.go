package inference

import (
	"fmt"
	"strings"
)

const analysisPrompt = `Analyze the journal entry below and answer each point.

1. Title: a short descriptive title of two to four words.
2. Sentiment: the overall sentiment, such as Positive, Neutral or Negative.
3. Keywords: up to five main keywords.
4. Summary: one or two sentences.
5. Emotional landscape: dominant emotions with an intensity between 0.0 and 1.0, the overall valence and any shifts in emotion.
6. Themes and topics: top keywords and the core underlying themes.
7. Cognitive patterns: recurring thoughts, self-perception, stated beliefs or values and mentioned problems.
8. Relational dynamics: people mentioned, their relationship to the author, the sentiment attached to each and the overall tone.
9. Contextual clues: specific events or situations and any time-bound indicators.

Reply with a single JSON object matching the requested schema and nothing else.

Journal entry:
---
%s
---
`

const imagePromptTemplate = `Using the journal insights below, write a short, visually rich prompt for an image generation model.

The prompt must be one continuous sentence without line breaks.
Evoke the mood and key themes. Be creative and artistic.

Sentiment: %s
Keywords: %s
Content snippet:
---
%s
---

Image prompt:
`

// analysisSchema constrains the model's JSON output
const analysisSchema = `{
  "type": "object",
  "required": ["title", "sentiment", "keywords", "summary", "emotional_landscape", "themes_topics", "cognitive_patterns", "relational_dynamics", "contextual_clues"],
  "properties": {
    "title": {"type": "string"},
    "sentiment": {"type": "string"},
    "keywords": {"type": "array", "items": {"type": "string"}, "maxItems": 5},
    "summary": {"type": "string"},
    "emotional_landscape": {
      "type": "object",
      "properties": {
        "dominant_emotions": {"type": "array", "items": {"type": "object", "properties": {"emotion": {"type": "string"}, "intensity": {"type": "number"}}}},
        "emotional_valence": {"type": "string"},
        "emotional_shifts": {"type": "array", "items": {"type": "string"}}
      }
    },
    "themes_topics": {
      "type": "object",
      "properties": {
        "top_keywords": {"type": "array", "items": {"type": "string"}},
        "identified_themes": {"type": "array", "items": {"type": "string"}}
      }
    },
    "cognitive_patterns": {
      "type": "object",
      "properties": {
        "recurring_thoughts": {"type": "array", "items": {"type": "string"}},
        "self_perception": {"type": "string"},
        "beliefs_values": {"type": "array", "items": {"type": "string"}},
        "problems_challenges": {"type": "array", "items": {"type": "string"}}
      }
    },
    "relational_dynamics": {
      "type": "object",
      "properties": {
        "mentioned_individuals": {"type": "array", "items": {"type": "object", "properties": {"name": {"type": "string"}, "relationship": {"type": "string"}, "sentiment": {"type": "string"}}}},
        "relationship_tone": {"type": "array", "items": {"type": "string"}}
      }
    },
    "contextual_clues": {
      "type": "object",
      "properties": {
        "events_situations": {"type": "array", "items": {"type": "string"}},
        "time_bound_indicators": {"type": "array", "items": {"type": "string"}}
      }
    }
  }
}`

func buildAnalysisPrompt(content string) string {
	return fmt.Sprintf(analysisPrompt, content)
}

func buildImagePrompt(sentiment string, keywords []string, content string) string {
	return fmt.Sprintf(imagePromptTemplate, sentiment, strings.Join(keywords, ", "), content)
}

// FallbackPrompt is used when the prompt generator fails
func FallbackPrompt(sentiment string, keywords []string) string {
	return fmt.Sprintf("A vibrant digital painting representing a %s mood with themes of %s.",
		sentiment, strings.Join(keywords, ", "))
}

// CleanPrompt collapses a model reply into a single line
func CleanPrompt(s string) string {
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(s)
}
