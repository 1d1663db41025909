package chi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kailas-cloud/vecpipe/internal/domain"
	dombatch "github.com/kailas-cloud/vecpipe/internal/domain/batch"
	"github.com/kailas-cloud/vecpipe/internal/domain/schema"
	"github.com/kailas-cloud/vecpipe/internal/domain/search/filter"
	"github.com/kailas-cloud/vecpipe/internal/logger"
	collectionuc "github.com/kailas-cloud/vecpipe/internal/usecase/collection"
	"github.com/kailas-cloud/vecpipe/internal/usecase/ingest"
	searchuc "github.com/kailas-cloud/vecpipe/internal/usecase/search"
	usageuc "github.com/kailas-cloud/vecpipe/internal/usecase/usage"
)

// maxRecords caps POST /v1/records.
const maxRecords = 1000

type searchRequest struct {
	Vector       []float32            `json:"vector"`
	TopK         int                  `json:"top_k"`
	Filter       *filter.Definition   `json:"filter,omitempty"`
	OutputFields []string             `json:"output_fields,omitempty"`
	Params       *schema.SearchParams `json:"search_params,omitempty"`
}

type queryRequest struct {
	Text           string               `json:"text"`
	TopK           int                  `json:"top_k"`
	Filter         *filter.Definition   `json:"filter,omitempty"`
	OutputFields   []string             `json:"output_fields,omitempty"`
	Params         *schema.SearchParams `json:"search_params,omitempty"`
	ScoreThreshold *float32             `json:"score_threshold,omitempty"`
}

type recordsRequest struct {
	Records []schema.Record `json:"records"`
}

type documentsRequest struct {
	Documents []ingest.Document `json:"documents"`
}

type chatRequest struct {
	Messages []domain.Message       `json:"messages"`
	Stream   *bool                  `json:"stream,omitempty"`
	Params   *domain.ParamsOverride `json:"params,omitempty"`
}

type hitsResponse struct {
	Hits []domain.Hit `json:"hits"`
}

type itemResult struct {
	Index  int                 `json:"index"`
	ID     string              `json:"id,omitempty"`
	Status dombatch.ItemStatus `json:"status"`
	Error  string              `json:"error,omitempty"`
}

type batchResponse struct {
	Results []itemResult `json:"results"`
	OK      int          `json:"ok"`
	Failed  int          `json:"failed"`
	Skipped int          `json:"skipped"`
}

func toBatchResponse(results []dombatch.Result) batchResponse {
	sum := dombatch.Summarize(results)
	resp := batchResponse{
		Results: make([]itemResult, len(results)),
		OK:      sum.OK,
		Failed:  sum.Failed,
		Skipped: sum.Skipped,
	}
	for i, r := range results {
		item := itemResult{Index: r.Index(), ID: r.DocID(), Status: r.Status()}
		if err := r.Err(); err != nil {
			item.Error = safeDomainMessage(err)
		}
		resp.Results[i] = item
	}
	return resp
}

// decodeBody decodes a JSON request body, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, ErrorCodeBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

func compileFilter(w http.ResponseWriter, def *filter.Definition) (filter.Expression, bool) {
	expr, err := def.Compile()
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrorCodeValidationFailed, err.Error())
		return filter.Expression{}, false
	}
	return expr, true
}

// DefineSchema handles PUT /v1/schema.
func (s *Server) DefineSchema(w http.ResponseWriter, r *http.Request) {
	var req schema.CollectionSchema
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.collection.Define(r.Context(), req); err != nil {
		s.handleDomainError(w, err)
		return
	}
	s.GetCollection(w, r)
}

// GetCollection handles GET /v1/collection.
func (s *Server) GetCollection(w http.ResponseWriter, r *http.Request) {
	status, err := s.collection.Status(r.Context())
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// BuildIndex handles POST /v1/index/{field}. An empty body builds the index declared in the schema.
func (s *Server) BuildIndex(w http.ResponseWriter, r *http.Request) {
	field := chi.URLParam(r, "field")

	var spec schema.IndexSpec
	err := json.NewDecoder(r.Body).Decode(&spec)
	switch {
	case errors.Is(err, io.EOF):
		declared, ok := s.declaredSpec(field)
		if !ok {
			writeError(w, http.StatusBadRequest, ErrorCodeValidationFailed,
				fmt.Sprintf("field %q declares no index; an index spec is required", field))
			return
		}
		spec = declared
	case err != nil:
		writeError(w, http.StatusBadRequest, ErrorCodeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	logger.Or(r.Context(), s.logger).Info("Building index",
		zap.String("field", field),
		zap.String("index_type", string(spec.IndexType)),
	)
	if err := s.collection.BuildIndex(r.Context(), field, spec); err != nil {
		s.handleDomainError(w, err)
		return
	}
	s.GetCollection(w, r)
}

func (s *Server) declaredSpec(field string) (schema.IndexSpec, bool) {
	sch, ok := s.collection.Schema()
	if !ok {
		return schema.IndexSpec{}, false
	}
	f, ok := sch.Field(field)
	if !ok || f.Index == nil {
		return schema.IndexSpec{}, false
	}
	return *f.Index, true
}

// InsertRecords handles POST /v1/records. Records carry their own vectors.
func (s *Server) InsertRecords(w http.ResponseWriter, r *http.Request) {
	var req recordsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Records) > maxRecords {
		writeError(w, http.StatusBadRequest, ErrorCodeValidationFailed,
			fmt.Sprintf("batch size %d exceeds %d", len(req.Records), maxRecords))
		return
	}
	if _, ok := s.collection.Schema(); !ok {
		s.handleDomainError(w, collectionuc.ErrNoCollection)
		return
	}

	results := make([]dombatch.Result, len(req.Records))
	for i, rec := range req.Records {
		id, err := s.collection.Insert(r.Context(), rec)
		if err != nil {
			results[i] = dombatch.NewError(i, err)
			continue
		}
		results[i] = dombatch.NewOK(i, id)
	}
	writeJSON(w, http.StatusOK, toBatchResponse(results))
}

// IngestDocuments handles POST /v1/documents. Texts are embedded server-side.
func (s *Server) IngestDocuments(w http.ResponseWriter, r *http.Request) {
	var req documentsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ctx, usage := domain.NewContextWithUsage(r.Context())
	results, err := s.ingest.Ingest(ctx, req.Documents)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	setUsageHeaders(w, usage)
	writeJSON(w, http.StatusOK, toBatchResponse(results))
}

// SearchVector handles POST /v1/search.
func (s *Server) SearchVector(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	expr, ok := compileFilter(w, req.Filter)
	if !ok {
		return
	}

	hits, err := s.collection.Search(r.Context(), collectionuc.SearchRequest{
		Vector:       req.Vector,
		TopK:         req.TopK,
		Filter:       expr,
		OutputFields: req.OutputFields,
		Params:       req.Params,
	})
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hitsResponse{Hits: nonNil(hits)})
}

// Query handles POST /v1/query.
func (s *Server) Query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	expr, ok := compileFilter(w, req.Filter)
	if !ok {
		return
	}

	ctx, usage := domain.NewContextWithUsage(r.Context())
	hits, err := s.search.Query(ctx, searchuc.Request{
		Text:           req.Text,
		TopK:           req.TopK,
		Filter:         expr,
		OutputFields:   req.OutputFields,
		Params:         req.Params,
		ScoreThreshold: req.ScoreThreshold,
	})
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	setUsageHeaders(w, usage)
	writeJSON(w, http.StatusOK, hitsResponse{Hits: nonNil(hits)})
}

// Chat handles POST /v1/chat. A request without "stream" uses the server default.
// With stream=true the answer is sent as server-sent events:
// one "sources" event, then a "chunk" event per chunk, then "done" or "error".
func (s *Server) Chat(w http.ResponseWriter, r *http.Request) {
	if s.chat == nil {
		writeError(w, http.StatusNotFound, ErrorCodeNotFound, "no generation endpoint is configured")
		return
	}
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, ErrorCodeValidationFailed, "messages are required")
		return
	}

	stream := s.streamDefault
	if req.Stream != nil {
		stream = *req.Stream
	}

	ctx, usage := domain.NewContextWithUsage(r.Context())
	if !stream {
		answer, err := s.chat.Chat(ctx, req.Messages, req.Params)
		if err != nil {
			s.handleDomainError(w, err)
			return
		}
		setUsageHeaders(w, usage)
		writeJSON(w, http.StatusOK, answer)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, ErrorCodeInternalError, "streaming unsupported")
		return
	}
	st, hits, err := s.chat.ChatStream(ctx, req.Messages, req.Params)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	defer func() { _ = st.Close() }()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	log := logger.Or(ctx, s.logger)
	writeEvent(w, "sources", hitsResponse{Hits: nonNil(hits)})
	flusher.Flush()

	for {
		chunk, err := st.Next(ctx)
		if errors.Is(err, io.EOF) {
			writeEvent(w, "done", map[string]int64{"generation_tokens": usage.GenerationTokens()})
			flusher.Flush()
			return
		}
		if err != nil {
			log.Warn("Chat stream failed", zap.Error(err))
			writeEvent(w, "error", ErrorResponse{Code: errorCodeOf(err), Message: safeDomainMessage(err)})
			flusher.Flush()
			return
		}
		writeEvent(w, "chunk", chunk)
		flusher.Flush()
	}
}

func writeEvent(w io.Writer, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(`{}`)
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

// GetUsage handles GET /v1/usage?period=day|month.
func (s *Server) GetUsage(w http.ResponseWriter, r *http.Request) {
	period, ok := usageuc.ParsePeriod(r.URL.Query().Get("period"))
	if !ok {
		writeError(w, http.StatusBadRequest, ErrorCodeValidationFailed, "period must be day or month")
		return
	}
	writeJSON(w, http.StatusOK, s.usage.GetReport(r.Context(), period))
}

func nonNil(hits []domain.Hit) []domain.Hit {
	if hits == nil {
		return []domain.Hit{}
	}
	return hits
}
