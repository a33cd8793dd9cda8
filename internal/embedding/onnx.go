//go:build onnx

package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"unicode"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

const onnxMaxSeqLen = 128

// ONNXProvider runs a sentence-transformer model in-process through ONNX
// Runtime. The session is loaded on the first Embed call and kept for the
// lifetime of the process.
type ONNXProvider struct {
	cfg    Config
	logger *zap.Logger

	loadOnce sync.Once
	loadErr  error
	mu       sync.Mutex
	session  *ort.DynamicAdvancedSession
	tok      *wordPiece
}

// NewONNXProvider validates cfg and returns a lazily loaded provider.
func NewONNXProvider(cfg Config, logger *zap.Logger) (Provider, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("embedding: onnx model_path is required")
	}
	if cfg.TokenizerPath == "" {
		return nil, fmt.Errorf("embedding: onnx tokenizer_path is required")
	}
	if cfg.Dimension == 0 {
		cfg.Dimension = DefaultDimension
	}
	return &ONNXProvider{cfg: cfg, logger: logger}, nil
}

func (p *ONNXProvider) load() error {
	p.loadOnce.Do(func() {
		if p.cfg.RuntimePath != "" {
			ort.SetSharedLibraryPath(p.cfg.RuntimePath)
		}
		if !ort.IsInitialized() {
			if err := ort.InitializeEnvironment(); err != nil {
				p.loadErr = fmt.Errorf("embedding: init onnx runtime: %w", err)
				return
			}
		}
		tok, err := loadWordPiece(p.cfg.TokenizerPath)
		if err != nil {
			p.loadErr = fmt.Errorf("embedding: load tokenizer: %w", err)
			return
		}
		session, err := ort.NewDynamicAdvancedSession(p.cfg.ModelPath,
			[]string{"input_ids", "attention_mask", "token_type_ids"},
			[]string{"last_hidden_state"},
			nil,
		)
		if err != nil {
			p.loadErr = fmt.Errorf("embedding: create onnx session: %w", err)
			return
		}
		p.session = session
		p.tok = tok
		p.logger.Info("ONNX encoder loaded", zap.String("model", p.cfg.ModelPath))
	})
	return p.loadErr
}

// Embed encodes each text with mean pooling over attended tokens and
// returns unit-length vectors.
func (p *ONNXProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := p.load(); err != nil {
		return nil, err
	}
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec, err := p.embedOne(text)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

func (p *ONNXProvider) embedOne(text string) ([]float32, error) {
	ids, mask := p.tok.encode(text, onnxMaxSeqLen)
	typeIDs := make([]int64, len(ids))
	shape := ort.NewShape(1, int64(len(ids)))

	idsT, err := ort.NewTensor(shape, ids)
	if err != nil {
		return nil, fmt.Errorf("embedding: input_ids tensor: %w", err)
	}
	defer idsT.Destroy()
	maskT, err := ort.NewTensor(shape, mask)
	if err != nil {
		return nil, fmt.Errorf("embedding: attention_mask tensor: %w", err)
	}
	defer maskT.Destroy()
	typeT, err := ort.NewTensor(shape, typeIDs)
	if err != nil {
		return nil, fmt.Errorf("embedding: token_type_ids tensor: %w", err)
	}
	defer typeT.Destroy()

	outputs := []ort.Value{nil}
	p.mu.Lock()
	err = p.session.Run([]ort.Value{idsT, maskT, typeT}, outputs)
	p.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("embedding: onnx inference: %w", err)
	}
	defer func() {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
	}()

	hidden, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("embedding: unexpected onnx output type %T", outputs[0])
	}
	data := hidden.GetData()
	dims := hidden.GetShape()
	if len(dims) != 3 || int(dims[2]) != p.cfg.Dimension {
		return nil, fmt.Errorf("%w: onnx output shape %v", ErrDimensionMismatch, dims)
	}

	width := int(dims[2])
	vec := make([]float32, width)
	var attended float32
	for t := 0; t < int(dims[1]); t++ {
		if mask[t] == 0 {
			continue
		}
		attended++
		row := data[t*width : (t+1)*width]
		for j, v := range row {
			vec[j] += v
		}
	}
	if attended > 0 {
		for j := range vec {
			vec[j] /= attended
		}
	}
	return Normalize(vec), nil
}

// Dimension returns the configured model width.
func (p *ONNXProvider) Dimension() int { return p.cfg.Dimension }

// Close releases the ONNX session if it was loaded.
func (p *ONNXProvider) Close() error {
	if p.session != nil {
		return p.session.Destroy()
	}
	return nil
}

// wordPiece is a minimal uncased BERT tokenizer driven by tokenizer.json.
type wordPiece struct {
	vocab map[string]int
	cls   int64
	sep   int64
	unk   int64
}

func loadWordPiece(path string) (*wordPiece, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if len(doc.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer %s has an empty vocabulary", path)
	}
	w := &wordPiece{vocab: doc.Model.Vocab, cls: 101, sep: 102, unk: 100}
	if id, ok := w.vocab["[CLS]"]; ok {
		w.cls = int64(id)
	}
	if id, ok := w.vocab["[SEP]"]; ok {
		w.sep = int64(id)
	}
	if id, ok := w.vocab["[UNK]"]; ok {
		w.unk = int64(id)
	}
	return w, nil
}

// encode returns input ids and attention mask framed by [CLS] ... [SEP]
// and truncated to maxLen.
func (w *wordPiece) encode(text string, maxLen int) ([]int64, []int64) {
	ids := []int64{w.cls}
	for _, word := range splitWords(strings.ToLower(text)) {
		for _, id := range w.pieces(word) {
			if len(ids) >= maxLen-1 {
				break
			}
			ids = append(ids, id)
		}
	}
	ids = append(ids, w.sep)
	mask := make([]int64, len(ids))
	for i := range mask {
		mask[i] = 1
	}
	return ids, mask
}

func (w *wordPiece) pieces(word string) []int64 {
	var out []int64
	runes := []rune(word)
	for start := 0; start < len(runes); {
		end := len(runes)
		matched := false
		for end > start {
			sub := string(runes[start:end])
			if start > 0 {
				sub = "##" + sub
			}
			if id, ok := w.vocab[sub]; ok {
				out = append(out, int64(id))
				start = end
				matched = true
				break
			}
			end--
		}
		if !matched {
			return []int64{w.unk}
		}
	}
	return out
}

// splitWords splits on whitespace and isolates punctuation, as BERT's basic
// tokenizer does.
func splitWords(text string) []string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, string(cur))
			cur = cur[:0]
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			words = append(words, string(r))
		default:
			cur = append(cur, r)
		}
	}
	flush()
	return words
}
