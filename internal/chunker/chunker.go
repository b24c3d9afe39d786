// Package chunker implements the chunking component (C6): it drives the
// textsplitters package's fixed/sentence/paragraph/markdown/adaptive
// splitters and materializes domain.Chunk records with offsets and
// deterministic ids, following the shape of internal/rag/chunker and
// internal/rag/ingest/preprocess.go.
package chunker

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"ingestgraph/internal/domain"
	"ingestgraph/internal/textsplitters"
)

// Strategy names the chunking strategy requested for a document.
type Strategy string

const (
	StrategyFixed     Strategy = "fixed"
	StrategySentence  Strategy = "sentence"
	StrategyParagraph Strategy = "paragraph"
	StrategyMarkdown  Strategy = "markdown"
	StrategyAdaptive  Strategy = "adaptive"
)

// Options controls chunk sizing. TargetTokens/OverlapTokens are in the
// WhitespaceTokenizer's token unit, the unit every splitter the chunker
// selects measures in. MimeType, when set,
// steers the adaptive strategy toward a code- or page-aware splitter
// instead of the generic heading-based one.
type Options struct {
	Strategy      Strategy
	TargetTokens  int
	OverlapTokens int
	MimeType      string
}

// Chunker produces ordered, offset-tracked chunks from document text.
type Chunker interface {
	Chunk(documentID, text string, opt Options) ([]domain.Chunk, error)
}

type splitterChunker struct{}

// New returns the default Chunker.
func New() Chunker { return splitterChunker{} }

// rawPiece carries a split fragment plus the structural metadata the
// adaptive strategy infers for it, ahead of offset resolution.
type rawPiece struct {
	text         string
	chunkType    domain.ChunkType
	sectionTitle string
	headingLevel int
}

func (splitterChunker) Chunk(documentID, text string, opt Options) ([]domain.Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	target, overlap := normalizeSizes(opt)
	pieces, err := buildPieces(text, opt, target, overlap)
	if err != nil {
		return nil, err
	}
	pieces = enforceSizeBounds(pieces, target)
	return materialize(documentID, text, pieces), nil
}

func normalizeSizes(opt Options) (target, overlap int) {
	target = opt.TargetTokens
	if target <= 0 {
		target = 256
	}
	overlap = opt.OverlapTokens
	if overlap < 0 {
		overlap = 0
	}
	return target, overlap
}

func buildPieces(text string, opt Options, target, overlap int) ([]rawPiece, error) {
	bcfg := textsplitters.BoundaryConfig{Unit: textsplitters.UnitTokens, Size: target, Overlap: overlap}

	switch opt.Strategy {
	case StrategyFixed:
		return splitPlain(text, textsplitters.Config{
			Kind:  textsplitters.KindFixed,
			Fixed: textsplitters.FixedConfig{Unit: textsplitters.UnitTokens, Size: target, Overlap: overlap},
		})
	case StrategySentence:
		return splitPlain(text, textsplitters.Config{Kind: textsplitters.KindSentences, Boundary: bcfg})
	case StrategyParagraph:
		return splitPlain(text, textsplitters.Config{Kind: textsplitters.KindParagraphs, Boundary: bcfg})
	case StrategyMarkdown:
		return splitHeadingAware(text, bcfg, target, overlap)
	case StrategyAdaptive, "":
		return buildAdaptivePieces(text, opt, bcfg, target, overlap)
	default:
		return nil, fmt.Errorf("chunker: unknown strategy %q", opt.Strategy)
	}
}

// buildAdaptivePieces picks a structure-aware splitter by document MIME
// type: source code gets function/class-boundary splitting, paged formats
// (e.g. PDF) get page-boundary splitting with one section per page, and
// everything else falls back to markdown heading detection.
func buildAdaptivePieces(text string, opt Options, bcfg textsplitters.BoundaryConfig, target, overlap int) ([]rawPiece, error) {
	switch {
	case isCodeMime(opt.MimeType):
		s, err := textsplitters.NewFromConfig(textsplitters.Config{
			Kind: textsplitters.KindCode,
			Code: textsplitters.CodeConfig{Language: codeLanguageFor(opt.MimeType), Within: bcfg},
		})
		if err != nil {
			return nil, err
		}
		return wrapPieces(s.Split(text), domain.ChunkContent, "", 0), nil
	case isPagedMime(opt.MimeType):
		s, err := textsplitters.NewFromConfig(textsplitters.Config{
			Kind:   textsplitters.KindLayout,
			Layout: textsplitters.LayoutConfig{Within: bcfg},
		})
		if err != nil {
			return nil, err
		}
		pages := s.Split(text)
		out := make([]rawPiece, 0, len(pages))
		for i, p := range pages {
			out = append(out, rawPiece{
				text:         p,
				chunkType:    domain.ChunkSection,
				sectionTitle: fmt.Sprintf("Page %d", i+1),
				headingLevel: 1,
			})
		}
		return out, nil
	default:
		return splitHeadingAware(text, bcfg, target, overlap)
	}
}

func splitPlain(text string, cfg textsplitters.Config) ([]rawPiece, error) {
	s, err := textsplitters.NewFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return wrapPieces(s.Split(text), domain.ChunkContent, "", 0), nil
}

func wrapPieces(parts []string, ct domain.ChunkType, title string, level int) []rawPiece {
	out := make([]rawPiece, 0, len(parts))
	for _, p := range parts {
		out = append(out, rawPiece{text: p, chunkType: ct, sectionTitle: title, headingLevel: level})
	}
	return out
}

var headingRe = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)

// splitHeadingAware runs the markdown splitter and classifies its output:
// a piece matching a heading line becomes a ChunkHeading carrying the
// section title and level, and every piece that follows inherits that
// title/level, tagged section (top-level) or subsection (level 3+) until
// the next heading. Documents with no headings fall back to the plain
// hierarchical splitter, all tagged content.
func splitHeadingAware(text string, bcfg textsplitters.BoundaryConfig, target, overlap int) ([]rawPiece, error) {
	s, err := textsplitters.NewFromConfig(textsplitters.Config{
		Kind:     textsplitters.KindMarkdown,
		Markdown: textsplitters.MarkdownConfig{Within: bcfg},
	})
	if err != nil {
		return nil, err
	}
	pieces := s.Split(text)

	hasHeading := false
	for _, p := range pieces {
		if headingRe.MatchString(strings.TrimSpace(p)) {
			hasHeading = true
			break
		}
	}
	if !hasHeading {
		return splitRecursiveFallback(text, bcfg, target, overlap)
	}

	out := make([]rawPiece, 0, len(pieces))
	var curTitle string
	var curLevel int
	for _, p := range pieces {
		trimmed := strings.TrimSpace(p)
		if trimmed == "" {
			continue
		}
		if m := headingRe.FindStringSubmatch(trimmed); m != nil {
			curLevel = len(m[1])
			curTitle = strings.TrimSpace(m[2])
			out = append(out, rawPiece{text: trimmed, chunkType: domain.ChunkHeading, sectionTitle: curTitle, headingLevel: curLevel})
			continue
		}
		ct := domain.ChunkSection
		if curLevel >= 3 {
			ct = domain.ChunkSubsection
		}
		out = append(out, rawPiece{text: trimmed, chunkType: ct, sectionTitle: curTitle, headingLevel: curLevel})
	}
	return out, nil
}

// splitRecursiveFallback degrades gracefully for text with no markdown
// structure: headings -> paragraphs -> sentences -> fixed, all content.
func splitRecursiveFallback(text string, bcfg textsplitters.BoundaryConfig, target, overlap int) ([]rawPiece, error) {
	s, err := textsplitters.NewFromConfig(textsplitters.Config{
		Kind: textsplitters.KindRecursive,
		Recursive: textsplitters.RecursiveConfig{
			Markdown:   textsplitters.MarkdownConfig{Within: bcfg},
			Paragraphs: bcfg,
			Sentences:  bcfg,
			Fallback:   textsplitters.FixedConfig{Unit: textsplitters.UnitTokens, Size: target, Overlap: overlap},
		},
	})
	if err != nil {
		return nil, err
	}
	return wrapPieces(s.Split(text), domain.ChunkContent, "", 0), nil
}

// codeMimeTypes mirrors the MIME-dispatch convention of
// internal/textextract's extractors (each registering Accepts(mimeType)),
// narrowed to the source-code types the code splitter's language hint
// understands.
var codeMimeTypes = map[string]string{
	"text/x-go":              "go",
	"application/x-go":       "go",
	"text/x-python":          "python",
	"application/x-python":   "python",
	"text/javascript":        "javascript",
	"application/javascript": "javascript",
	"application/typescript": "javascript",
	"text/x-typescript":      "javascript",
}

func isCodeMime(mimeType string) bool {
	_, ok := codeMimeTypes[strings.ToLower(strings.TrimSpace(mimeType))]
	return ok
}

func codeLanguageFor(mimeType string) string {
	return codeMimeTypes[strings.ToLower(strings.TrimSpace(mimeType))]
}

func isPagedMime(mimeType string) bool {
	return strings.ToLower(strings.TrimSpace(mimeType)) == "application/pdf"
}

// enforceSizeBounds walks contiguous runs of same-section content pieces
// and brings each into [minChunkSize, maxChunkSize] (derived from target):
// oversized pieces are re-split, undersized ones are merged forward into
// their successor, except a section's trailing piece, which is allowed to
// stay short rather than merge across a section boundary.
func enforceSizeBounds(pieces []rawPiece, target int) []rawPiece {
	min := target / 4
	if min < 1 {
		min = 1
	}
	max := target * 2

	var out []rawPiece
	i := 0
	for i < len(pieces) {
		p := pieces[i]
		if p.chunkType == domain.ChunkHeading {
			out = append(out, p)
			i++
			continue
		}
		j := i
		for j < len(pieces) && pieces[j].chunkType != domain.ChunkHeading &&
			pieces[j].sectionTitle == p.sectionTitle && pieces[j].headingLevel == p.headingLevel {
			j++
		}
		out = append(out, normalizeRun(pieces[i:j], min, max, target)...)
		i = j
	}
	return out
}

func normalizeRun(run []rawPiece, min, max, target int) []rawPiece {
	var expanded []rawPiece
	for _, p := range run {
		if countTokens(p.text) > max {
			expanded = append(expanded, splitOversized(p, target)...)
		} else {
			expanded = append(expanded, p)
		}
	}

	var merged []rawPiece
	for idx := 0; idx < len(expanded); idx++ {
		p := expanded[idx]
		isLast := idx == len(expanded)-1
		if !isLast && countTokens(p.text) < min {
			next := expanded[idx+1]
			expanded[idx+1] = rawPiece{
				text:         strings.TrimSpace(p.text + " " + next.text),
				chunkType:    p.chunkType,
				sectionTitle: p.sectionTitle,
				headingLevel: p.headingLevel,
			}
			continue
		}
		merged = append(merged, p)
	}
	return merged
}

// splitOversized re-splits a too-large piece, preferring the semantic
// splitter's lexical-similarity breakpoints over a blind fixed-width cut;
// it falls back to fixed-width splitting if the semantic pass still leaves
// pieces over 2x target (e.g. a block with no internal sentence variety).
func splitOversized(p rawPiece, target int) []rawPiece {
	within := textsplitters.BoundaryConfig{Unit: textsplitters.UnitTokens, Size: target}
	if s, err := textsplitters.NewFromConfig(textsplitters.Config{
		Kind:     textsplitters.KindSemantic,
		Semantic: textsplitters.SemanticConfig{Within: within},
	}); err == nil {
		parts := s.Split(p.text)
		if allWithinBudget(parts, target*2) {
			return wrapSplitParts(parts, p)
		}
	}

	s, err := textsplitters.NewFromConfig(textsplitters.Config{
		Kind:  textsplitters.KindFixed,
		Fixed: textsplitters.FixedConfig{Unit: textsplitters.UnitTokens, Size: target},
	})
	if err != nil {
		return []rawPiece{p}
	}
	return wrapSplitParts(s.Split(p.text), p)
}

func allWithinBudget(parts []string, max int) bool {
	if len(parts) == 0 {
		return false
	}
	for _, p := range parts {
		if countTokens(p) > max {
			return false
		}
	}
	return true
}

func wrapSplitParts(parts []string, p rawPiece) []rawPiece {
	if len(parts) == 0 {
		return []rawPiece{p}
	}
	out := make([]rawPiece, 0, len(parts))
	for _, part := range parts {
		out = append(out, rawPiece{text: part, chunkType: p.chunkType, sectionTitle: p.sectionTitle, headingLevel: p.headingLevel})
	}
	return out
}

// materialize locates each produced piece within the original text in
// document order to recover StartOffset/EndOffset, since textsplitters
// returns bare strings. Pieces that can't be located (e.g. a splitter
// rewrote whitespace) fall back to a zero-length offset at the current
// cursor so ordering is still preserved.
func materialize(documentID, text string, pieces []rawPiece) []domain.Chunk {
	out := make([]domain.Chunk, 0, len(pieces))
	cursor := 0
	now := time.Now().UTC()
	for i, rp := range pieces {
		trimmed := strings.TrimSpace(rp.text)
		if trimmed == "" {
			continue
		}
		start := indexFrom(text, trimmed, cursor)
		end := start + len(trimmed)
		if start < 0 {
			start = cursor
			end = cursor
		} else {
			cursor = start
		}
		id := chunkID(documentID, i, trimmed)
		ct := rp.chunkType
		if ct == "" {
			ct = domain.ChunkContent
		}
		out = append(out, domain.Chunk{
			ID:             id,
			DocumentID:     documentID,
			Index:          i,
			Text:           trimmed,
			StartOffset:    start,
			EndOffset:      end,
			TokenCount:     countTokens(trimmed),
			WordCount:      len(strings.Fields(trimmed)),
			ParagraphCount: countParagraphs(trimmed),
			ChunkType:      ct,
			SectionTitle:   rp.sectionTitle,
			HeadingLevel:   rp.headingLevel,
			CreatedAt:      now,
		})
	}
	return out
}

var paragraphBreakRe = regexp.MustCompile(`\n\s*\n+`)

func countParagraphs(s string) int {
	parts := paragraphBreakRe.Split(s, -1)
	n := 0
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			n++
		}
	}
	if n == 0 {
		return 1
	}
	return n
}

func indexFrom(text, piece string, from int) int {
	if from > len(text) {
		from = len(text)
	}
	if i := strings.Index(text[from:], piece); i >= 0 {
		return from + i
	}
	if i := strings.Index(text, piece); i >= 0 {
		return i
	}
	return -1
}

func countTokens(s string) int {
	return len(textsplitters.WhitespaceTokenizer{}.Tokenize(s))
}

// chunkID follows doc{docId}_chunk{index}_{contentHash8}.
func chunkID(documentID string, index int, text string) string {
	sum := md5.Sum([]byte(text))
	return fmt.Sprintf("doc%s_chunk%d_%s", documentID, index, hex.EncodeToString(sum[:])[:8])
}
