// Package embed turns text into L2-normalized float32 vectors using a
// BGE-small-en-v1.5 ONNX model. Normalized outputs mean cosine distance on
// the index side reduces to 1 - dot product.
package embed

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/daulet/tokenizers"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	// maxSeqLen caps tokens per input. The model accepts 512, but attention
	// cost is quadratic in sequence length and chunker windows rarely exceed
	// 300 tokens, so 256 is a better trade.
	maxSeqLen = 256

	// Dim is the output dimension of BGE-small-en-v1.5.
	Dim = 384

	// batchSize bounds per-inference memory on low-end CPUs.
	batchSize = 4

	// QueryPrefix is prepended to search queries (never to documents), per
	// the BGE authors' recommendation for asymmetric retrieval.
	QueryPrefix = "Represent this sentence for searching relevant passages: "
)

// Embedder wraps an ONNX session and a HuggingFace tokenizer. It is not safe
// for concurrent use.
type Embedder struct {
	session   *ort.DynamicAdvancedSession
	tokenizer *tokenizers.Tokenizer
}

// New loads model.onnx and tokenizer.json from modelDir. ortLibPath points
// at onnxruntime.so; empty means the system default. numThreads sets ONNX
// intra-op parallelism, 0 meaning min(NumCPU, 4).
func New(modelDir, ortLibPath string, numThreads int) (*Embedder, error) {
	modelPath := filepath.Join(modelDir, "model.onnx")
	tokenPath := filepath.Join(modelDir, "tokenizer.json")

	for _, p := range []string{modelPath, tokenPath} {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("%s not found — download the BGE-small-en-v1.5 model into %s", p, modelDir)
		}
	}

	if ortLibPath != "" {
		ort.SetSharedLibraryPath(ortLibPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("init onnxruntime: %w", err)
	}

	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
		if numThreads > 4 {
			numThreads = 4
		}
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer opts.Destroy()

	if err := opts.SetIntraOpNumThreads(numThreads); err != nil {
		return nil, fmt.Errorf("set intra-op threads: %w", err)
	}
	// Inter-op parallelism spawns extra threads per graph stage and only
	// hurts on small models; pin it to 1.
	if err := opts.SetInterOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("set inter-op threads: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"}, opts)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	tk, err := tokenizers.FromFile(tokenPath)
	if err != nil {
		session.Destroy()
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	return &Embedder{session: session, tokenizer: tk}, nil
}

// Close releases the ONNX session and the tokenizer.
func (e *Embedder) Close() {
	if e.session != nil {
		e.session.Destroy()
	}
	if e.tokenizer != nil {
		e.tokenizer.Close()
	}
}

// Embed embeds document texts in batches. Use EmbedQuery for search queries.
func (e *Embedder) Embed(texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := e.embedBatch(texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("batch [%d:%d]: %w", start, end, err)
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

// EmbedQuery embeds a single search query with the instruction prefix.
func (e *Embedder) EmbedQuery(query string) ([]float32, error) {
	vectors, err := e.Embed([]string{QueryPrefix + query})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// tokenize encodes text, truncated to maxSeqLen, into id and mask rows.
func (e *Embedder) tokenize(text string) (ids, mask []int64) {
	enc := e.tokenizer.EncodeWithOptions(text, true, tokenizers.WithReturnAttentionMask())
	n := len(enc.IDs)
	if n > maxSeqLen {
		n = maxSeqLen
	}
	ids = make([]int64, n)
	mask = make([]int64, n)
	for i := 0; i < n; i++ {
		ids[i] = int64(enc.IDs[i])
		mask[i] = 1
		if i < len(enc.AttentionMask) {
			mask[i] = int64(enc.AttentionMask[i])
		}
	}
	return ids, mask
}

// embedBatch runs one inference call for up to batchSize texts. Set
// PROX_DEBUG=1 for per-phase timings on stderr.
func (e *Embedder) embedBatch(texts []string) ([][]float32, error) {
	debug := os.Getenv("PROX_DEBUG") == "1"
	started := time.Now()

	n := len(texts)
	allIDs := make([][]int64, n)
	allMasks := make([][]int64, n)
	maxLen := 0
	for i, text := range texts {
		allIDs[i], allMasks[i] = e.tokenize(text)
		if len(allIDs[i]) > maxLen {
			maxLen = len(allIDs[i])
		}
	}
	if maxLen == 0 {
		return nil, fmt.Errorf("all inputs tokenized to zero length")
	}

	// Pad every row to maxLen and flatten into the three model inputs.
	flatIDs := make([]int64, n*maxLen)
	flatMask := make([]int64, n*maxLen)
	flatType := make([]int64, n*maxLen)
	for i := range texts {
		copy(flatIDs[i*maxLen:], allIDs[i])
		copy(flatMask[i*maxLen:], allMasks[i])
	}

	shape := ort.NewShape(int64(n), int64(maxLen))
	inputs := make([]ort.Value, 0, 3)
	for _, data := range [][]int64{flatIDs, flatMask, flatType} {
		tensor, err := ort.NewTensor(shape, data)
		if err != nil {
			for _, t := range inputs {
				t.Destroy()
			}
			return nil, fmt.Errorf("input tensor: %w", err)
		}
		inputs = append(inputs, tensor)
	}
	defer func() {
		for _, t := range inputs {
			t.Destroy()
		}
	}()

	inferStart := time.Now()
	outputs := []ort.Value{nil}
	if err := e.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}
	defer func() {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
	}()

	hiddenTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type %T", outputs[0])
	}
	hidden := hiddenTensor.GetData()
	seqLen := int(hiddenTensor.GetShape()[1])

	// BGE uses the [CLS] token (position 0) as the sentence embedding.
	vectors := make([][]float32, n)
	for i := 0; i < n; i++ {
		v := make([]float32, Dim)
		copy(v, hidden[i*seqLen*Dim:i*seqLen*Dim+Dim])
		l2Normalize(v)
		vectors[i] = v
	}

	if debug {
		fmt.Fprintf(os.Stderr, "[embed] batch=%d seq=%d infer=%v total=%v\n",
			n, maxLen, time.Since(inferStart).Round(time.Millisecond), time.Since(started).Round(time.Millisecond))
	}
	return vectors, nil
}

// Benchmark embeds text once and reports tokenize/inference/total timings
// for the bench command.
func (e *Embedder) Benchmark(text string) (tokenize, inference, total time.Duration, err error) {
	t0 := time.Now()
	ids, mask := e.tokenize(text)
	tokenize = time.Since(t0)

	shape := ort.NewShape(1, int64(len(ids)))
	inputs := make([]ort.Value, 0, 3)
	for _, data := range [][]int64{ids, mask, make([]int64, len(ids))} {
		tensor, terr := ort.NewTensor(shape, data)
		if terr != nil {
			for _, t := range inputs {
				t.Destroy()
			}
			return 0, 0, 0, terr
		}
		inputs = append(inputs, tensor)
	}
	defer func() {
		for _, t := range inputs {
			t.Destroy()
		}
	}()

	t1 := time.Now()
	outputs := []ort.Value{nil}
	if err := e.session.Run(inputs, outputs); err != nil {
		return 0, 0, 0, err
	}
	if outputs[0] != nil {
		outputs[0].Destroy()
	}
	inference = time.Since(t1)
	return tokenize, inference, time.Since(t0), nil
}

// l2Normalize scales v in place to unit length. Near-zero vectors are left
// untouched to avoid dividing by ~0.
func l2Normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm < 1e-10 {
		return
	}
	inv := float32(1 / norm)
	for i := range v {
		v[i] *= inv
	}
}
