package stt

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Vocabulary maps token ids to token strings.
type Vocabulary []string

// LoadVocabulary parses a token→id JSON object (the vocab.json layout shipped
// with Wav2Vec2 checkpoints) into a Vocabulary indexed by id.
func LoadVocabulary(r io.Reader) (Vocabulary, error) {
	var raw map[string]int
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("stt: parse vocabulary: %w", err)
	}
	if len(raw) == 0 {
		return nil, errors.New("stt: vocabulary is empty")
	}
	size := 0
	for _, id := range raw {
		if id < 0 {
			return nil, fmt.Errorf("stt: vocabulary has negative id %d", id)
		}
		size = max(size, id+1)
	}
	vocab := make(Vocabulary, size)
	for tok, id := range raw {
		vocab[id] = tok
	}
	return vocab, nil
}

// Index returns the id of tok, or -1.
func (v Vocabulary) Index(tok string) int {
	for i, t := range v {
		if t == tok {
			return i
		}
	}
	return -1
}

// GreedyCTC decodes CTC logits by taking the best token per frame,
// collapsing consecutive repeats and dropping blanks.
type GreedyCTC struct {
	Vocab Vocabulary

	// Blank is the id of the CTC blank token.
	Blank int

	// Delimiter is the token that separates words. It decodes to a space.
	Delimiter string

	// Skip lists tokens that never appear in the decoded text.
	Skip map[string]bool
}

// NewGreedyCTC returns a decoder using the Wav2Vec2 conventions: "<pad>" is
// the blank, "|" the word delimiter, and the sentence and unknown markers are
// skipped.
func NewGreedyCTC(vocab Vocabulary) *GreedyCTC {
	blank := vocab.Index("<pad>")
	if blank < 0 {
		blank = 0
	}
	return &GreedyCTC{
		Vocab:     vocab,
		Blank:     blank,
		Delimiter: "|",
		Skip:      map[string]bool{"<s>": true, "</s>": true, "<unk>": true, "<pad>": true},
	}
}

// Decode returns the text encoded by l.
func (d *GreedyCTC) Decode(l *Logits) (string, error) {
	if l.Vocab != len(d.Vocab) {
		return "", fmt.Errorf("stt: logits have %d columns, vocabulary has %d tokens", l.Vocab, len(d.Vocab))
	}
	if len(l.Data) < l.NumFrames*l.Vocab {
		return "", fmt.Errorf("stt: logits data holds %d scores, want %d", len(l.Data), l.NumFrames*l.Vocab)
	}
	var sb strings.Builder
	prev := -1
	for i := range l.NumFrames {
		id := l.Argmax(i)
		if id == prev {
			continue
		}
		prev = id
		if id == d.Blank {
			continue
		}
		tok := d.Vocab[id]
		switch {
		case tok == d.Delimiter:
			sb.WriteByte(' ')
		case d.Skip[tok]:
		default:
			sb.WriteString(tok)
		}
	}
	return strings.Join(strings.Fields(sb.String()), " "), nil
}
