// Package embedding provides the text embedding client contract and a
// background reconciler that retries entries left in the pending_embedding
// state after a failed or cancelled embedding call (spec §4.8, §5).
//
// The client shapes mirror the teacher's embed.Embedder / embed.NewOllama /
// embed.NewOpenAI split (one interface, one HTTP client per provider); the
// reconciler's pull-based scan-plus-trigger-channel loop is adapted from the
// teacher's nornicdb.EmbedWorker, generalized from node-property chunking to
// CoreBrain's single-string entry content and bounded per-entry retries.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/nervomem/corebrain/internal/storage"
	"github.com/nervomem/corebrain/internal/types"
	"github.com/nervomem/corebrain/internal/vector"
)

// MaxChars is the default character count a query or entry's content is
// truncated to before being sent to an embedding provider (spec §6).
const MaxChars = 28000

// Embedder generates vector embeddings from text. Implementations must be
// safe for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Model() string
}

// Config configures an HTTP-backed embedding provider.
type Config struct {
	Provider   string // "ollama" or "openai"
	APIURL     string
	APIPath    string
	APIKey     string // OpenAI only
	Model      string
	Dimensions int
	Timeout    time.Duration
}

// DefaultOllamaConfig returns configuration for a local Ollama embedding
// model.
func DefaultOllamaConfig() *Config {
	return &Config{
		Provider:   "ollama",
		APIURL:     "http://localhost:11434",
		APIPath:    "/api/embeddings",
		Model:      "nomic-embed-text",
		Dimensions: 768,
		Timeout:    30 * time.Second,
	}
}

// DefaultOpenAIConfig returns configuration for OpenAI's small embedding
// model.
func DefaultOpenAIConfig(apiKey string) *Config {
	return &Config{
		Provider:   "openai",
		APIURL:     "https://api.openai.com",
		APIPath:    "/v1/embeddings",
		APIKey:     apiKey,
		Model:      "text-embedding-3-small",
		Dimensions: 1536,
		Timeout:    30 * time.Second,
	}
}

func truncate(text string) string {
	if len(text) <= MaxChars {
		return text
	}
	return text[:MaxChars]
}

// OllamaEmbedder calls a local Ollama instance's /api/embeddings endpoint.
type OllamaEmbedder struct {
	config *Config
	client *http.Client
}

// NewOllama constructs an OllamaEmbedder; a nil config uses
// DefaultOllamaConfig.
func NewOllama(config *Config) *OllamaEmbedder {
	if config == nil {
		config = DefaultOllamaConfig()
	}
	return &OllamaEmbedder{config: config, client: &http.Client{Timeout: config.Timeout}}
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	req := ollamaRequest{Model: e.config.Model, Prompt: truncate(text)}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.APIURL+e.config.APIPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding: ollama returned %d: %s", resp.StatusCode, string(msg))
	}

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Embedding, nil
}

func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("embedding: text %d: %w", i, err)
		}
		out[i] = vec
	}
	return out, nil
}

func (e *OllamaEmbedder) Dimensions() int { return e.config.Dimensions }
func (e *OllamaEmbedder) Model() string   { return e.config.Model }

// OpenAIEmbedder calls OpenAI's batch embeddings endpoint.
type OpenAIEmbedder struct {
	config *Config
	client *http.Client
}

// NewOpenAI constructs an OpenAIEmbedder; a nil config uses
// DefaultOpenAIConfig("").
func NewOpenAI(config *Config) *OpenAIEmbedder {
	if config == nil {
		config = DefaultOpenAIConfig("")
	}
	return &OpenAIEmbedder{config: config, client: &http.Client{Timeout: config.Timeout}}
}

type openAIRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("embedding: no vector returned")
	}
	return vecs[0], nil
}

func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	truncated := make([]string, len(texts))
	for i, t := range texts {
		truncated[i] = truncate(t)
	}
	req := openAIRequest{Model: e.config.Model, Input: truncated}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.APIURL+e.config.APIPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+e.config.APIKey)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding: openai returned %d: %s", resp.StatusCode, string(msg))
	}

	var out openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	vecs := make([][]float32, len(out.Data))
	for _, d := range out.Data {
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

func (e *OpenAIEmbedder) Dimensions() int { return e.config.Dimensions }
func (e *OpenAIEmbedder) Model() string   { return e.config.Model }

// New constructs an Embedder for config.Provider.
func New(config *Config) (Embedder, error) {
	switch config.Provider {
	case "ollama":
		return NewOllama(config), nil
	case "openai":
		if config.APIKey == "" {
			return nil, fmt.Errorf("embedding: openai provider requires an API key")
		}
		return NewOpenAI(config), nil
	default:
		return nil, fmt.Errorf("embedding: unknown provider %q", config.Provider)
	}
}

// ReconcilerConfig tunes the background reconciler.
type ReconcilerConfig struct {
	ScanInterval time.Duration // how often to sweep for pending entries, default 15m
	BatchDelay   time.Duration // pause between entries within a sweep, default 500ms
	MaxRetries   int           // attempts before an entry is given up on for this sweep, default 3
	BatchSize    int           // max entries pulled per sweep, default 50
	RetryBackoff time.Duration // base delay between retries within reconcileOne, doubled per attempt, default 250ms
	MaxBackoff   time.Duration // cap on the doubled backoff, default 5s
}

// DefaultReconcilerConfig returns sensible defaults.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		ScanInterval: 15 * time.Minute,
		BatchDelay:   500 * time.Millisecond,
		MaxRetries:   3,
		BatchSize:    50,
		RetryBackoff: 250 * time.Millisecond,
		MaxBackoff:   5 * time.Second,
	}
}

// Reconciler retries entries stuck with pending_embedding=true: on each
// cycle it pulls a batch, embeds, normalizes, inserts into the vector
// index, writes the mapping, and clears the flag.
type Reconciler struct {
	embedder Embedder
	eng      storage.Engine
	idx      *vector.Index
	cfg      ReconcilerConfig
	log      *log.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	trigger chan struct{}

	mu        sync.Mutex
	processed int
	failed    int
}

// NewReconciler constructs a Reconciler and starts its background loop. A
// nil logger gets a package-scoped default, matching the teacher's
// log.New(os.Stderr, "[subsystem] ", log.LstdFlags) convention.
func NewReconciler(embedder Embedder, eng storage.Engine, idx *vector.Index, cfg ReconcilerConfig, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.New(log.Writer(), "[reconciler] ", log.LstdFlags)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reconciler{
		embedder: embedder,
		eng:      eng,
		idx:      idx,
		cfg:      cfg,
		log:      logger,
		ctx:      ctx,
		cancel:   cancel,
		trigger:  make(chan struct{}, 1),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

// Trigger wakes the reconciler to sweep immediately, e.g. after a store
// whose embedding call failed.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Stats reports cumulative sweep counters.
type Stats struct {
	Processed int
	Failed    int
}

func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Processed: r.processed, Failed: r.failed}
}

// Close stops the background loop and waits for it to exit.
func (r *Reconciler) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *Reconciler) loop() {
	defer r.wg.Done()

	r.sweep()

	ticker := time.NewTicker(r.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.trigger:
			r.sweep()
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Reconciler) sweep() {
	pending, err := r.eng.ListPendingEmbedding(r.ctx, r.cfg.BatchSize)
	if err != nil {
		r.log.Printf("list pending entries failed: %v", err)
		return
	}

	for _, e := range pending {
		select {
		case <-r.ctx.Done():
			return
		default:
		}
		r.reconcileOne(e)
		time.Sleep(r.cfg.BatchDelay)
	}
}

// reconcileOne retries an entry's embedding call up to MaxRetries times,
// waiting an exponentially growing, capped backoff between attempts (spec
// §5: "background reconciler retries with exponential backoff and
// per-entry max attempts").
func (r *Reconciler) reconcileOne(e *types.Entry) {
	var vec []float32
	var err error
	for attempt := 0; attempt < r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if !r.sleepBackoff(attempt) {
				return
			}
		}
		vec, err = r.embedder.Embed(r.ctx, e.Content)
		if err == nil {
			break
		}
	}
	if err != nil {
		r.mu.Lock()
		r.failed++
		r.mu.Unlock()
		r.log.Printf("entry %s: embedding still failing after %d attempts: %v", e.ID, r.cfg.MaxRetries, err)
		return
	}

	vec = vector.Normalize(vec)
	label, err := r.eng.NextVectorLabel(r.ctx)
	if err != nil {
		r.log.Printf("entry %s: could not allocate vector label: %v", e.ID, err)
		return
	}
	if err := r.idx.Add(label, vec); err != nil {
		r.log.Printf("entry %s: vector index insert failed: %v", e.ID, err)
		return
	}
	if err := r.eng.StoreVectorMapping(r.ctx, e.ID, label); err != nil {
		r.log.Printf("entry %s: vector mapping write failed: %v", e.ID, err)
		return
	}

	e.PendingEmbedding = false
	if err := r.eng.UpdateEntry(r.ctx, e); err != nil {
		r.log.Printf("entry %s: clearing pending flag failed: %v", e.ID, err)
		return
	}

	r.mu.Lock()
	r.processed++
	r.mu.Unlock()
}

// sleepBackoff waits RetryBackoff*2^(attempt-1), capped at MaxBackoff,
// returning false if the reconciler was closed while waiting.
func (r *Reconciler) sleepBackoff(attempt int) bool {
	delay := r.cfg.RetryBackoff << uint(attempt-1)
	if r.cfg.MaxBackoff > 0 && delay > r.cfg.MaxBackoff {
		delay = r.cfg.MaxBackoff
	}
	select {
	case <-r.ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}
