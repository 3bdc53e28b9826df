// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalog

import (
	"math"
	"strings"

	"github.com/AleutianAI/statquery/services/query/intent"
)

// BM25 tuning constants. Standard values recommended by Robertson et al.
const (
	// bm25K1 controls term frequency saturation. Higher = slower saturation.
	bm25K1 = 1.5

	// bm25B controls document length normalization. 0.75 is the standard
	// default.
	bm25B = 0.75
)

// noiseTerms are query words that carry no indicator signal. Kept small on
// purpose: over-aggressive stopword lists strip meaning from short
// two-word phrases like "growth rate".
var noiseTerms = map[string]bool{
	"the": true, "a": true, "an": true, "of": true, "for": true,
	"in": true, "on": true, "to": true, "and": true, "or": true,
	"what": true, "is": true, "are": true, "show": true, "me": true,
	"by": true, "with": true, "per": true,
}

// bm25Doc holds the BM25 representation of one indicator entry's corpus.
type bm25Doc struct {
	// idx is the entry's index within its ProviderCatalog.Entries slice.
	idx int

	// tf maps each term to its frequency within this entry's document.
	tf map[string]int

	// len is the total term count of the document after tokenization.
	len int
}

// bm25Index is a pre-built inverted index over one provider's indicator
// descriptions, used by the catalog tier to score a phrase against every
// entry with IDF weighting instead of plain substring counting.
//
// # Thread Safety
//
// Immutable after buildBM25Index. Safe for concurrent use.
type bm25Index struct {
	docs   []bm25Doc
	idf    map[string]float64
	avgLen float64
}

// buildBM25Index constructs an index over a provider's entries.
//
// Each entry's "document" is its display name, description, and aliases.
// Codes are excluded: provider codes like "NY.GDP.MKTP.KD.ZG" never occur
// in natural-language phrases and would only pollute the vocabulary.
func buildBM25Index(entries []Entry) *bm25Index {
	if len(entries) == 0 {
		return &bm25Index{idf: make(map[string]float64)}
	}

	docs := make([]bm25Doc, 0, len(entries))
	totalLen := 0
	df := make(map[string]int)

	for i, e := range entries {
		doc := buildEntryDoc(i, e)
		docs = append(docs, doc)
		totalLen += doc.len
		for term := range doc.tf {
			df[term]++
		}
	}

	n := len(docs)
	avgLen := float64(totalLen) / float64(n)

	// Lucene-style smoothing: log((N+1)/(df+1)) + 1, always >= 1.
	idf := make(map[string]float64, len(df))
	for term, docFreq := range df {
		idf[term] = math.Log(float64(n+1)/float64(docFreq+1)) + 1.0
	}

	return &bm25Index{docs: docs, idf: idf, avgLen: avgLen}
}

// buildEntryDoc tokenizes one catalog entry into a bm25Doc with true term
// frequencies.
func buildEntryDoc(idx int, e Entry) bm25Doc {
	parts := make([]string, 0, len(e.Aliases)+2)
	parts = append(parts, e.Name, e.Description)
	parts = append(parts, e.Aliases...)

	terms := tokenize(strings.Join(parts, " "))
	tf := make(map[string]int, len(terms))
	for _, t := range terms {
		tf[t]++
	}

	return bm25Doc{idx: idx, tf: tf, len: len(terms)}
}

// tokenize normalizes a phrase and splits it into lowercase terms with
// noise words removed.
func tokenize(text string) []string {
	fields := strings.Fields(intent.NormalizePhrase(text))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if noiseTerms[f] {
			continue
		}
		terms = append(terms, f)
	}
	return terms
}

// score computes normalized BM25 scores for a phrase against every entry.
//
// # Outputs
//
//   - map[int]float64: Entry index → score in [0.0, 1.0], normalized by
//     the best-scoring entry. Zero-scoring entries are omitted.
func (idx *bm25Index) score(phrase string) map[int]float64 {
	if phrase == "" || len(idx.docs) == 0 {
		return map[int]float64{}
	}

	queryTerms := tokenize(phrase)
	if len(queryTerms) == 0 {
		return map[int]float64{}
	}

	// Deduplicate query terms; repeated words in a phrase add no signal.
	unique := make(map[string]bool, len(queryTerms))
	for _, t := range queryTerms {
		unique[t] = true
	}

	scores := make(map[int]float64, len(idx.docs))
	var maxScore float64

	for _, doc := range idx.docs {
		s := idx.docScore(unique, doc)
		if s > 0 {
			scores[doc.idx] = s
			if s > maxScore {
				maxScore = s
			}
		}
	}

	if maxScore > 0 {
		for i := range scores {
			scores[i] /= maxScore
		}
	}

	return scores
}

// docScore computes the raw BM25 score for a single (query, doc) pair.
func (idx *bm25Index) docScore(queryTerms map[string]bool, doc bm25Doc) float64 {
	dl := float64(doc.len)
	var score float64

	for term := range queryTerms {
		tf, inDoc := doc.tf[term]
		if !inDoc {
			continue
		}
		termIDF, known := idx.idf[term]
		if !known {
			continue
		}

		tfFloat := float64(tf)
		numerator := tfFloat * (bm25K1 + 1)
		lengthNorm := bm25K1 * (1.0 - bm25B + bm25B*dl/idx.avgLen)
		score += termIDF * (numerator / (tfFloat + lengthNorm))
	}

	return score
}
