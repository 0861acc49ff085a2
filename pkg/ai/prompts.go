package ai

const CognitiveMapPrompt = `
# Task Context
You are a document analyst building a compact "cognitive map" of a single document before it is merged into a topic-wide knowledge graph.

# Background Data
Document name: %s
Document content:
---
%s
---

# Detailed Task Description & Rules
- Summarize what the document is about in a few sentences.
- List the most important named entities (people, organizations, places, systems, concepts).
- List the recurring themes of the document.
- If the document describes events in time, list them in chronological order; otherwise return an empty timeline.
- Stay strictly grounded in the document. Never invent entities or events that are not mentioned.

# Output Formatting
Return a JSON object with this structure:
{
  "summary": string,
  "key_entities": [string],
  "themes": [string],
  "timeline": [{"when": string, "event": string}]
}
Output must be valid JSON only (no commentary, no extra text).
`

const BlueprintPrompt = `
# Task Context
You are synthesizing an analysis blueprint for a topic. A blueprint is the shared frame of reference used when extracting knowledge graphs from every document of the topic: it names the canonical entities, the patterns to look for, and the global timeline.

# Background Data
Topic: %s
Per-document cognitive maps:
---
%s
---

# Detailed Task Description & Rules
- Merge the per-document maps into a single topic-level view.
- "canonical_entities" must unify obvious aliases across documents into one canonical name each and state the entity type.
- "key_patterns" are recurring structures worth extracting (e.g. "supplier X delivers component Y to plant Z").
- "global_timeline" merges the per-document timelines into one ordered list; omit entries without any time anchor.
- "processing_instructions" is a short paragraph of guidance for the extraction step: which entity types matter, what to normalize, what to ignore.
- Stay grounded in the maps. Never invent entities that appear in no document.

# Output Formatting
Return a JSON object with this structure:
{
  "canonical_entities": [{"name": string, "entity_type": string, "aliases": [string]}],
  "key_patterns": [string],
  "global_timeline": [{"when": string, "event": string}],
  "processing_instructions": string
}
Output must be valid JSON only (no commentary, no extra text).
`

const ExtractionPrompt = `
# Task Context
You are extracting a knowledge graph from a single document. The extraction is guided by the topic's analysis blueprint so that entities line up across documents.

# Background Data
Blueprint guidance:
---
%s
---
Document content:
---
%s
---

# Detailed Task Description & Rules
- Extract the entities mentioned in the document and the relationships between them.
- When an entity matches a canonical entity from the blueprint (directly or via an alias), use the canonical name exactly.
- Every relationship must reference entities from your own entity list by name.
- Entity descriptions should be one or two factual sentences grounded in the document.
- Prefer fewer, well-grounded entities over exhaustive lists of trivia.

# Output Formatting
Return a JSON object with this structure:
{
  "entities": [{"name": string, "entity_type": string, "description": string}],
  "relationships": [{"source": string, "target": string, "description": string}]
}
Output must be valid JSON only (no commentary, no extra text).
`

const MemorySummaryPrompt = `
# Task Context
You are distilling a chat conversation into a durable personal-memory knowledge block for a single user.

# Background Data
Conversation transcript:
---
%s
---

# Detailed Task Description & Rules
- Write a short third-person summary of what the conversation reveals about the user: facts, preferences, plans, relationships.
- List the key facts as standalone statements, each understandable without the transcript.
- Ignore small talk and assistant boilerplate.
- Never include facts that are not supported by the transcript.

# Output Formatting
Return a JSON object with this structure:
{
  "summary": string,
  "key_facts": [string]
}
Output must be valid JSON only (no commentary, no extra text).
`
