// Package extractor implements the knowledge extractor (C7): it prompts a
// chat model to return entities and relations found in one chunk of text as
// JSON, parses the response tolerating a fenced code block or loose prose
// around it, and falls back to a conservative regex-based extraction when
// the model's output can't be parsed at all. Built on llmclient's
// tool-calling Provider contract, using the same retry/backoff style as
// other external calls in this codebase.
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"ingestgraph/internal/apperror"
	"ingestgraph/internal/config"
	"ingestgraph/internal/domain"
	"ingestgraph/internal/llmclient"
)

// Extractor produces entity and relation mentions from chunk text.
type Extractor interface {
	Extract(ctx context.Context, chunk domain.Chunk) (domain.ExtractionResult, error)
}

type llmExtractor struct {
	provider      llmclient.Provider
	model         string
	maxRetries    int
	paceDelay     time.Duration
	errorPace     time.Duration
	minEntity     float64
	minRelation   float64
	entityTypes   []string
	relationTypes []string
	systemPrompt  string
	sleep         func(time.Duration)
}

// New builds the default Extractor, pulling retry/pacing/confidence
// settings from cfg. The closed entity/relation type sets configured on cfg
// are baked into the system prompt once here, rather than re-built per call.
func New(provider llmclient.Provider, model string, cfg *config.Config) Extractor {
	entityTypes := cfg.EntityTypes
	relationTypes := cfg.RelationTypes
	return &llmExtractor{
		provider:      provider,
		model:         model,
		maxRetries:    cfg.ExtractionMaxRetries,
		paceDelay:     cfg.ExtractionPaceDelay,
		errorPace:     cfg.ExtractionErrorPaceDelay,
		minEntity:     cfg.ExtractionEntityMinConf,
		minRelation:   cfg.ExtractionRelationMinConf,
		entityTypes:   entityTypes,
		relationTypes: relationTypes,
		systemPrompt:  buildSystemPrompt(entityTypes, relationTypes),
		sleep:         time.Sleep,
	}
}

// buildSystemPrompt enumerates the closed entity/relation type sets in the
// prompt itself, so the model is steered toward the configured vocabulary
// instead of inventing its own categories that validate would have to
// remap anyway.
func buildSystemPrompt(entityTypes, relationTypes []string) string {
	entityList := "person, organization, location, concept, product, event"
	if len(entityTypes) > 0 {
		entityList = strings.Join(entityTypes, ", ")
	}
	relationList := "related_to, part_of, located_in, works_for, produces, causes, uses, affiliated_with"
	if len(relationTypes) > 0 {
		relationList = strings.Join(relationTypes, ", ")
	}
	return fmt.Sprintf(`You extract entities and relations from a single passage of text for a knowledge graph. Respond with a JSON object only, inside a fenced code block, shaped exactly as:
{"entities":[{"name":"...","type":"...","description":"...","confidence":0.0}],"relations":[{"source":"...","target":"...","type":"...","description":"...","confidence":0.0}]}
Entity type must be one of: %s. Relation type must be one of: %s. Relation source and target must each match an entity name present in "entities". Omit anything you are not reasonably confident about.`, entityList, relationList)
}

func (e *llmExtractor) Extract(ctx context.Context, chunk domain.Chunk) (domain.ExtractionResult, error) {
	msgs := []llmclient.Message{
		{Role: "system", Content: e.systemPrompt},
		{Role: "user", Content: chunk.Text},
	}

	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			e.sleep(backoff)
		}
		if ctx.Err() != nil {
			return domain.ExtractionResult{}, ctx.Err()
		}

		resp, err := e.provider.Chat(ctx, msgs, nil, e.model)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Str("chunk_id", chunk.ID).Int("attempt", attempt).Msg("extraction_llm_call_failed")
			e.sleep(e.errorPace)
			if !apperror.Retryable(err) {
				break
			}
			continue
		}

		e.sleep(e.paceDelay)

		result, perr := parseExtraction(chunk, resp.Content)
		if perr != nil {
			lastErr = perr
			continue
		}
		return e.validate(chunk, result), nil
	}

	// Every structured attempt failed; fall back to a conservative
	// regex-based pass rather than dropping the chunk's content entirely.
	log.Warn().Err(lastErr).Str("chunk_id", chunk.ID).Msg("extraction_falling_back_to_regex")
	return e.validate(chunk, regexFallback(chunk)), nil
}

var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
var bareJSONRe = regexp.MustCompile(`(?s)\{.*\}`)

type rawExtraction struct {
	Entities []struct {
		Name        string  `json:"name"`
		Type        string  `json:"type"`
		Description string  `json:"description"`
		Confidence  float64 `json:"confidence"`
	} `json:"entities"`
	Relations []struct {
		Source      string  `json:"source"`
		Target      string  `json:"target"`
		Type        string  `json:"type"`
		Description string  `json:"description"`
		Confidence  float64 `json:"confidence"`
	} `json:"relations"`
}

// parseExtraction locates a JSON object in content, preferring a fenced
// code block, and decodes it into domain types tied to chunk.ID.
func parseExtraction(chunk domain.Chunk, content string) (domain.ExtractionResult, error) {
	candidate := ""
	if m := fencedJSONRe.FindStringSubmatch(content); len(m) == 2 {
		candidate = m[1]
	} else if m := bareJSONRe.FindString(content); m != "" {
		candidate = m
	} else {
		return domain.ExtractionResult{}, fmt.Errorf("extractor: no JSON object found in model response")
	}

	var raw rawExtraction
	if err := json.Unmarshal([]byte(candidate), &raw); err != nil {
		return domain.ExtractionResult{}, fmt.Errorf("extractor: decoding JSON: %w", err)
	}

	out := domain.ExtractionResult{ChunkID: chunk.ID}
	for i, e := range raw.Entities {
		name := strings.TrimSpace(e.Name)
		desc := strings.TrimSpace(e.Description)
		excerpt, start, end := computeExcerpt(chunk.Text, name)
		out.Entities = append(out.Entities, domain.EntityMention{
			ID:            fmt.Sprintf("%s_entity_%d", chunk.ID, i),
			ChunkID:       chunk.ID,
			Name:          name,
			Type:          strings.ToLower(strings.TrimSpace(e.Type)),
			Description:   desc,
			Confidence:    e.Confidence,
			SourceExcerpt: excerpt,
			StartOffset:   start,
			EndOffset:     end,
			QualityScore:  qualityScoreFor(name, desc, e.Confidence),
		})
	}
	for j, r := range raw.Relations {
		excerpt, _, _ := computeExcerpt(chunk.Text, strings.TrimSpace(r.Source))
		out.Relations = append(out.Relations, domain.RelationMention{
			ID:            fmt.Sprintf("%s_rel_%d", chunk.ID, j),
			ChunkID:       chunk.ID,
			SourceName:    strings.TrimSpace(r.Source),
			TargetName:    strings.TrimSpace(r.Target),
			Type:          strings.ToLower(strings.TrimSpace(r.Type)),
			Description:   strings.TrimSpace(r.Description),
			Confidence:    r.Confidence,
			SourceExcerpt: excerpt,
		})
	}
	return out, nil
}

// computeExcerpt locates name's first case-insensitive occurrence in
// chunkText and returns a window of surrounding context plus the character
// offsets of the match itself, grounding the mention in the chunk it was
// extracted from rather than whatever prose the model generated for it.
func computeExcerpt(chunkText, name string) (string, int, int) {
	if name == "" {
		return "", 0, 0
	}
	idx := strings.Index(strings.ToLower(chunkText), strings.ToLower(name))
	if idx < 0 {
		return "", 0, 0
	}
	end := idx + len(name)
	const window = 80
	start := idx - window
	if start < 0 {
		start = 0
	}
	stop := end + window
	if stop > len(chunkText) {
		stop = len(chunkText)
	}
	return strings.TrimSpace(chunkText[start:stop]), idx, end
}

// qualityScoreFor is a cheap, deterministic proxy for extraction quality:
// confidence carries most of the weight, with small bonuses for having a
// description at all and a name of plausible length.
func qualityScoreFor(name, description string, confidence float64) float64 {
	q := confidence
	if description != "" {
		q += 0.1
	}
	if l := len(name); l >= 2 && l <= 60 {
		q += 0.05
	}
	if q > 1 {
		q = 1
	}
	if q < 0 {
		q = 0
	}
	return q
}

// validate drops entities below minEntity confidence, name length 2-100, and
// relations below minRelation confidence whose endpoints don't both appear
// among the chunk's surviving entities, or whose source equals its target.
// Surviving types are remapped onto the configured closed sets so a model
// that ignores the prompt's vocabulary can't leak arbitrary categories into
// the graph.
func (e *llmExtractor) validate(chunk domain.Chunk, in domain.ExtractionResult) domain.ExtractionResult {
	out := domain.ExtractionResult{ChunkID: chunk.ID}

	names := make(map[string]string) // lowercase name -> type
	for _, ent := range in.Entities {
		if ent.Confidence < e.minEntity {
			continue
		}
		if l := len(ent.Name); l < 2 || l > 100 {
			continue
		}
		ent.Type = remapEntityType(ent.Type, e.entityTypes)
		out.Entities = append(out.Entities, ent)
		names[strings.ToLower(ent.Name)] = ent.Type
	}

	for _, rel := range in.Relations {
		if rel.Confidence < e.minRelation {
			continue
		}
		srcType, srcOK := names[strings.ToLower(rel.SourceName)]
		tgtType, tgtOK := names[strings.ToLower(rel.TargetName)]
		if !srcOK || !tgtOK {
			continue
		}
		if strings.EqualFold(rel.SourceName, rel.TargetName) {
			continue
		}
		rel.SourceType = srcType
		rel.TargetType = tgtType
		rel.Type = remapRelationType(rel.Type, e.relationTypes)
		out.Relations = append(out.Relations, rel)
	}
	return out
}

// remapEntityType maps raw onto the nearest type in allowed when raw isn't
// already a member, falling back to "concept" (if configured) when nothing
// in allowed is close enough to trust the nearest match.
func remapEntityType(raw string, allowed []string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if len(allowed) == 0 {
		return raw
	}
	for _, a := range allowed {
		if a == raw {
			return raw
		}
	}
	best, ratio := nearestType(raw, allowed)
	if ratio <= 0.4 {
		return best
	}
	for _, a := range allowed {
		if a == "concept" {
			return "concept"
		}
	}
	return best
}

// remapRelationType mirrors remapEntityType for relation types, falling
// back to "related_to" instead of "concept" when nothing is close.
func remapRelationType(raw string, allowed []string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if len(allowed) == 0 {
		return raw
	}
	for _, a := range allowed {
		if a == raw {
			return raw
		}
	}
	best, ratio := nearestType(raw, allowed)
	if ratio <= 0.4 {
		return best
	}
	for _, a := range allowed {
		if a == "related_to" {
			return "related_to"
		}
	}
	return best
}

// nearestType returns the allowed entry with the smallest normalized edit
// distance to raw, plus that distance as a 0..1 ratio of the longer string's
// length.
func nearestType(raw string, allowed []string) (string, float64) {
	best := allowed[0]
	bestRatio := 1.0
	for _, a := range allowed {
		d := editDistance(raw, a)
		maxLen := len(raw)
		if len(a) > maxLen {
			maxLen = len(a)
		}
		if maxLen == 0 {
			maxLen = 1
		}
		ratio := float64(d) / float64(maxLen)
		if ratio < bestRatio {
			bestRatio = ratio
			best = a
		}
	}
	return best, bestRatio
}

// editDistance is a standard Levenshtein distance over runes.
func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			m := del
			if ins < m {
				m = ins
			}
			if sub < m {
				m = sub
			}
			curr[j] = m
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

// regexFallback runs when every structured-output attempt failed. It treats
// capitalized word runs as candidate entities of type "concept" with low
// confidence, producing no relations, so that a malfunctioning model never
// silences a chunk completely.
var capitalizedRunRe = regexp.MustCompile(`\b([A-Z][a-zA-Z]+(?:\s[A-Z][a-zA-Z]+){0,3})\b`)

func regexFallback(chunk domain.Chunk) domain.ExtractionResult {
	seen := make(map[string]bool)
	out := domain.ExtractionResult{ChunkID: chunk.ID}
	matches := capitalizedRunRe.FindAllString(chunk.Text, -1)
	i := 0
	for _, m := range matches {
		name := strings.TrimSpace(m)
		key := strings.ToLower(name)
		if name == "" || seen[key] {
			continue
		}
		seen[key] = true
		excerpt, start, end := computeExcerpt(chunk.Text, name)
		out.Entities = append(out.Entities, domain.EntityMention{
			ID:            fmt.Sprintf("%s_entity_%d", chunk.ID, i),
			ChunkID:       chunk.ID,
			Name:          name,
			Type:          "concept",
			Confidence:    0.5,
			SourceExcerpt: excerpt,
			StartOffset:   start,
			EndOffset:     end,
			QualityScore:  qualityScoreFor(name, "", 0.5),
		})
		i++
		if i >= 20 {
			break
		}
	}
	return out
}
