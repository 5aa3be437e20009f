package inference

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"github.com/tidwall/gjson"
)

// ========================================
// Tokenizer
// ========================================

const metaspace = "▁"

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// AddedToken is a token matched verbatim before vocabulary lookup
type AddedToken struct {
	ID      int64
	Content string
	Special bool
}

// Tokenizer converts text to token ids and back using a vocabulary loaded
// from a tokenizer.json definition. Text is segmented greedily by longest
// vocabulary match; added tokens are split out first. Characters absent
// from the vocabulary use byte-fallback pieces when available, otherwise
// the unknown token.
type Tokenizer struct {
	vocab     map[string]int64
	pieces    map[int64]string
	added     []AddedToken // longest content first
	addedByID map[int64]AddedToken

	maxPieceLen  int
	unkID        int64
	hasUnk       bool
	byteFallback bool
	byteIDs      map[byte]int64
	byteOf       map[int64]byte

	metaspace   bool
	prefixSpace bool
}

// TokenizerOptions configures NewTokenizer
type TokenizerOptions struct {
	UnkToken     string
	ByteFallback bool
	Metaspace    bool // spaces are stored as U+2581
	PrefixSpace  bool // a metaspace is prepended to leading text
}

// NewTokenizer builds a tokenizer from an in-memory vocabulary
func NewTokenizer(vocab map[string]int64, added []AddedToken, opts TokenizerOptions) (*Tokenizer, error) {
	if len(vocab) == 0 && len(added) == 0 {
		return nil, fmt.Errorf("%w: empty vocabulary", ErrTokenizerInvalid)
	}

	t := &Tokenizer{
		vocab:        make(map[string]int64, len(vocab)),
		pieces:       make(map[int64]string, len(vocab)),
		addedByID:    make(map[int64]AddedToken, len(added)),
		byteIDs:      make(map[byte]int64),
		byteOf:       make(map[int64]byte),
		byteFallback: opts.ByteFallback,
		metaspace:    opts.Metaspace,
		prefixSpace:  opts.Metaspace && opts.PrefixSpace,
	}

	for piece, id := range vocab {
		t.vocab[piece] = id
		t.pieces[id] = piece
		if len(piece) > t.maxPieceLen {
			t.maxPieceLen = len(piece)
		}
		if b, ok := parseBytePiece(piece); ok {
			t.byteIDs[b] = id
			t.byteOf[id] = b
		}
	}

	for _, a := range added {
		if a.Content == "" {
			continue
		}
		t.added = append(t.added, a)
		t.addedByID[a.ID] = a
		t.pieces[a.ID] = a.Content
	}
	sort.SliceStable(t.added, func(i, j int) bool {
		return len(t.added[i].Content) > len(t.added[j].Content)
	})

	if opts.UnkToken != "" {
		if id, ok := t.vocab[opts.UnkToken]; ok {
			t.unkID, t.hasUnk = id, true
		} else if a, ok := t.addedByContent(opts.UnkToken); ok {
			t.unkID, t.hasUnk = a.ID, true
		}
	}

	return t, nil
}

func (t *Tokenizer) addedByContent(content string) (AddedToken, bool) {
	for _, a := range t.added {
		if a.Content == content {
			return a, true
		}
	}
	return AddedToken{}, false
}

// VocabSize returns the number of distinct ids
func (t *Tokenizer) VocabSize() int {
	return len(t.pieces)
}

// TokenID looks up a piece or added token
func (t *Tokenizer) TokenID(piece string) (int64, bool) {
	if a, ok := t.addedByContent(piece); ok {
		return a.ID, true
	}
	id, ok := t.vocab[piece]
	return id, ok
}

// Encode converts text to token ids
func (t *Tokenizer) Encode(text string) []int64 {
	var ids []int64
	first := true
	for len(text) > 0 {
		if a, ok := t.matchAdded(text); ok {
			ids = append(ids, a.ID)
			text = text[len(a.Content):]
			first = false
			continue
		}

		end := len(text)
		if next := t.nextAddedIndex(text); next > 0 {
			end = next
		}
		ids = t.encodeSegment(ids, text[:end], first)
		text = text[end:]
		first = false
	}
	return ids
}

func (t *Tokenizer) matchAdded(text string) (AddedToken, bool) {
	for _, a := range t.added {
		if strings.HasPrefix(text, a.Content) {
			return a, true
		}
	}
	return AddedToken{}, false
}

// nextAddedIndex returns the offset of the earliest added token in text, or -1
func (t *Tokenizer) nextAddedIndex(text string) int {
	best := -1
	for _, a := range t.added {
		if i := strings.Index(text, a.Content); i >= 0 && (best < 0 || i < best) {
			best = i
		}
	}
	return best
}

func (t *Tokenizer) encodeSegment(ids []int64, segment string, leading bool) []int64 {
	if t.metaspace {
		segment = strings.ReplaceAll(segment, " ", metaspace)
		if leading && t.prefixSpace {
			segment = metaspace + segment
		}
	}

	for len(segment) > 0 {
		limit := t.maxPieceLen
		if limit > len(segment) {
			limit = len(segment)
		}

		matched := false
		for l := limit; l > 0; l-- {
			id, ok := t.vocab[segment[:l]]
			if !ok {
				continue
			}
			// byte pieces are reached only through fallback
			if _, isByte := t.byteOf[id]; isByte {
				continue
			}
			ids = append(ids, id)
			segment = segment[l:]
			matched = true
			break
		}
		if matched {
			continue
		}

		_, size := utf8.DecodeRuneInString(segment)
		ids = t.fallback(ids, segment[:size])
		segment = segment[size:]
	}
	return ids
}

func (t *Tokenizer) fallback(ids []int64, char string) []int64 {
	if t.byteFallback {
		byteIDs := make([]int64, 0, len(char))
		for i := 0; i < len(char); i++ {
			id, ok := t.byteIDs[char[i]]
			if !ok {
				byteIDs = nil
				break
			}
			byteIDs = append(byteIDs, id)
		}
		if byteIDs != nil {
			return append(ids, byteIDs...)
		}
	}
	if t.hasUnk {
		return append(ids, t.unkID)
	}
	// Without an unknown token the character cannot be represented.
	return ids
}

// Decode converts token ids back to text. Unknown ids are skipped.
func (t *Tokenizer) Decode(ids []int64) string {
	var out strings.Builder
	var pending []byte
	flush := func() {
		if len(pending) > 0 {
			out.Write(pending)
			pending = pending[:0]
		}
	}

	stripLeading := false
	for i, id := range ids {
		if b, ok := t.byteOf[id]; ok {
			pending = append(pending, b)
			continue
		}
		flush()

		if a, ok := t.addedByID[id]; ok {
			out.WriteString(a.Content)
			continue
		}
		piece, ok := t.pieces[id]
		if !ok {
			continue
		}
		if t.metaspace {
			if i == 0 && t.prefixSpace && strings.HasPrefix(piece, metaspace) {
				stripLeading = true
			}
			piece = strings.ReplaceAll(piece, metaspace, " ")
		}
		out.WriteString(piece)
	}
	flush()

	text := out.String()
	if stripLeading {
		text = strings.TrimPrefix(text, " ")
	}
	return text
}

func parseBytePiece(piece string) (byte, bool) {
	if len(piece) != 6 || !strings.HasPrefix(piece, "<0x") || piece[5] != '>' {
		return 0, false
	}
	v, err := strconv.ParseUint(piece[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), true
}

// ========================================
// tokenizer.json loading
// ========================================

// LoadTokenizer reads a tokenizer.json file. When path does not exist the
// compressed variants path.zst and path.br are tried.
func LoadTokenizer(path string) (*Tokenizer, error) {
	data, resolved, err := readTokenizerFile(path)
	if err != nil {
		return nil, err
	}
	tok, err := ParseTokenizer(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(resolved), err)
	}
	return tok, nil
}

func readTokenizerFile(path string) ([]byte, string, error) {
	for _, candidate := range []string{path, path + ".zst", path + ".br"} {
		raw, err := os.ReadFile(candidate)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, candidate, fmt.Errorf("failed to read tokenizer: %w", err)
		}
		if len(raw) == 0 {
			return nil, candidate, fmt.Errorf("%w: %s is empty", ErrTokenizerMissing, candidate)
		}
		data, err := decompress(candidate, raw)
		if err != nil {
			return nil, candidate, fmt.Errorf("%w: %v", ErrTokenizerInvalid, err)
		}
		return data, candidate, nil
	}
	return nil, path, fmt.Errorf("%w: %s", ErrTokenizerMissing, path)
}

func decompress(path string, raw []byte) ([]byte, error) {
	switch {
	case bytes.HasPrefix(raw, zstdMagic):
		dec, err := zstd.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		defer dec.Close()
		return io.ReadAll(dec)
	case strings.HasSuffix(path, ".br"):
		return io.ReadAll(brotli.NewReader(bytes.NewReader(raw)))
	}
	return raw, nil
}

// ParseTokenizer builds a tokenizer from the contents of tokenizer.json.
// Both object vocabularies (BPE, WordPiece) and array vocabularies
// (Unigram) are accepted.
func ParseTokenizer(data []byte) (*Tokenizer, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrTokenizerInvalid)
	}

	model := gjson.GetBytes(data, "model")
	vocab := make(map[string]int64)
	v := model.Get("vocab")
	switch {
	case v.IsObject():
		v.ForEach(func(key, value gjson.Result) bool {
			vocab[key.String()] = value.Int()
			return true
		})
	case v.IsArray():
		var id int64
		v.ForEach(func(_, value gjson.Result) bool {
			vocab[value.Get("0").String()] = id
			id++
			return true
		})
	}

	var added []AddedToken
	gjson.GetBytes(data, "added_tokens").ForEach(func(_, value gjson.Result) bool {
		added = append(added, AddedToken{
			ID:      value.Get("id").Int(),
			Content: value.Get("content").String(),
			Special: value.Get("special").Bool(),
		})
		return true
	})

	opts := TokenizerOptions{
		UnkToken:     model.Get("unk_token").String(),
		ByteFallback: model.Get("byte_fallback").Bool(),
	}

	unkID := model.Get("unk_id")
	if opts.UnkToken == "" && unkID.Exists() && v.IsArray() {
		idx := unkID.Int()
		for piece, id := range vocab {
			if id == idx {
				opts.UnkToken = piece
				break
			}
		}
	}

	normalizer := gjson.GetBytes(data, "normalizer")
	preTokenizer := gjson.GetBytes(data, "pre_tokenizer")
	decoder := gjson.GetBytes(data, "decoder")

	opts.Metaspace = preTokenizer.Get("type").String() == "Metaspace" ||
		mentionsMetaspace(normalizer.Raw) || mentionsMetaspace(decoder.Raw)

	opts.PrefixSpace = normalizer.Get("type").String() == "Prepend" ||
		normalizer.Get(`normalizers.#(type=="Prepend")`).Exists() ||
		preTokenizer.Get("add_prefix_space").Bool() ||
		preTokenizer.Get("prepend_scheme").String() == "always" ||
		preTokenizer.Get("prepend_scheme").String() == "first"

	return NewTokenizer(vocab, added, opts)
}

func mentionsMetaspace(raw string) bool {
	return strings.Contains(raw, metaspace) || strings.Contains(raw, `\u2581`)
}
