// Package evaluation scores detected answers against a managed answer key
// and explains disagreements between automated and manual totals.
package evaluation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/scantrust-labs/omrledger/pkg/canonical"
	"github.com/scantrust-labs/omrledger/pkg/domain"
)

// KeyEntry is one question's correct answer and its weight.
type KeyEntry struct {
	Answer string  `json:"answer"`
	Marks  float64 `json:"marks"`
}

// AnswerKey maps question labels ("Q1", "Q2", ...) to their entries.
type AnswerKey map[string]KeyEntry

// KeyStatus tracks an answer key through AI verification and human
// approval.
type KeyStatus string

const (
	KeyUploaded KeyStatus = "uploaded"
	KeyVerified KeyStatus = "ai_verified"
	KeyFlagged  KeyStatus = "flagged"
	KeyApproved KeyStatus = "approved"
	KeyRejected KeyStatus = "rejected"
)

const keySchema = `{
	"type": "object",
	"minProperties": 1,
	"propertyNames": {"pattern": "^Q[1-9][0-9]*$"},
	"additionalProperties": {
		"type": "object",
		"required": ["answer", "marks"],
		"properties": {
			"answer": {"type": "string", "minLength": 1},
			"marks": {"type": "number", "exclusiveMinimum": 0}
		}
	}
}`

var (
	keySchemaOnce     sync.Once
	compiledKeySchema *jsonschema.Schema
)

func keySchemaCompiled() *jsonschema.Schema {
	keySchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("answer_key.json", strings.NewReader(keySchema)); err != nil {
			panic(err)
		}
		compiledKeySchema = c.MustCompile("answer_key.json")
	})
	return compiledKeySchema
}

// ParseKey validates raw JSON against the answer key schema and decodes it.
// Beyond the schema, question labels must run contiguously from Q1.
func ParseKey(raw []byte) (AnswerKey, error) {
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&doc); err != nil {
		return nil, domain.Wrap(domain.KindInvalidState, err, "answer key is not valid JSON")
	}
	if err := keySchemaCompiled().Validate(doc); err != nil {
		return nil, domain.Wrap(domain.KindInvalidState, err, "answer key rejected by schema")
	}

	var key AnswerKey
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, domain.Wrap(domain.KindInvalidState, err, "answer key decode failed")
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return key, nil
}

// Validate checks label contiguity and per-question constraints.
func (k AnswerKey) Validate() error {
	if len(k) == 0 {
		return domain.E(domain.KindInvalidState, "answer key is empty")
	}
	for i := 1; i <= len(k); i++ {
		label := fmt.Sprintf("Q%d", i)
		entry, ok := k[label]
		if !ok {
			return domain.E(domain.KindInvalidState,
				"answer key has %d questions but is missing %s", len(k), label)
		}
		if entry.Answer == "" {
			return domain.E(domain.KindInvalidState, "%s has an empty answer", label)
		}
		if entry.Marks <= 0 {
			return domain.E(domain.KindInvalidState, "%s marks must be positive, got %v", label, entry.Marks)
		}
	}
	return nil
}

// Questions returns the labels in ascending question order.
func (k AnswerKey) Questions() []string {
	out := make([]string, 0, len(k))
	for label := range k {
		out = append(out, label)
	}
	sort.Slice(out, func(i, j int) bool {
		return questionNumber(out[i]) < questionNumber(out[j])
	})
	return out
}

// MaxMarks sums the per-question weights.
func (k AnswerKey) MaxMarks() float64 {
	var total float64
	for _, e := range k {
		total += e.Marks
	}
	return total
}

// Hash returns the canonical content hash of the key.
func (k AnswerKey) Hash() (string, error) {
	return canonical.Hash(map[string]KeyEntry(k))
}

// ApplyCorrections merges human corrections into a copy of the key. A
// correction may replace the answer only or the full entry.
func (k AnswerKey) ApplyCorrections(corrections map[string]KeyEntry) AnswerKey {
	out := make(AnswerKey, len(k))
	for label, entry := range k {
		out[label] = entry
	}
	for label, c := range corrections {
		entry, ok := out[label]
		if !ok {
			continue
		}
		if c.Answer != "" {
			entry.Answer = c.Answer
		}
		if c.Marks > 0 {
			entry.Marks = c.Marks
		}
		out[label] = entry
	}
	return out
}

func questionNumber(label string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(label, "Q"))
	if err != nil {
		return 0
	}
	return n
}
