package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/veritrail/core/pkg/escrow"
	"github.com/veritrail/core/pkg/export"
	"github.com/veritrail/core/pkg/identity"
	"github.com/veritrail/core/pkg/ledger"
	"github.com/veritrail/core/pkg/observability"
	"github.com/veritrail/core/pkg/oracle"
	"github.com/veritrail/core/pkg/payments"
	"github.com/veritrail/core/pkg/provenance"
	"github.com/veritrail/core/pkg/sla"
	"github.com/veritrail/core/pkg/verification"
)

const maxBodyBytes = 1 << 20 // 1MB limit

// Service exposes the provenance core over HTTP.
type Service struct {
	units    *provenance.Store
	oracle   *oracle.Ingest
	escrows  *escrow.Engine
	scorer   *verification.Scorer
	mirror   *ledger.Mirror
	exporter *export.Exporter

	sampleSchema *jsonschema.Schema
	logger       *slog.Logger
}

// NewService wires the HTTP surface. The exporter is optional; the export
// endpoint returns 503 when it is absent.
func NewService(units *provenance.Store, ingest *oracle.Ingest, escrows *escrow.Engine, scorer *verification.Scorer, mirror *ledger.Mirror, exporter *export.Exporter) (*Service, error) {
	schema, err := compileSampleSchema()
	if err != nil {
		return nil, err
	}
	return &Service{
		units:        units,
		oracle:       ingest,
		escrows:      escrows,
		scorer:       scorer,
		mirror:       mirror,
		exporter:     exporter,
		sampleSchema: schema,
		logger:       slog.Default().With("component", "api"),
	}, nil
}

// RouterOptions configures cross-cutting middleware on the router.
type RouterOptions struct {
	Identity    *identity.Provider      // nil disables auth
	Idempotency IdempotencyStorer       // nil disables replay caching
	RateLimit   *GlobalRateLimiter      // nil disables rate limiting
	Telemetry   *observability.Provider // nil disables command tracing
}

// Router assembles the chi router for the service.
func (s *Service) Router(opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	if opts.Telemetry != nil {
		r.Use(TelemetryMiddleware(opts.Telemetry))
	}
	if opts.RateLimit != nil {
		r.Use(opts.RateLimit.Middleware)
	}
	if opts.Idempotency != nil {
		r.Use(IdempotencyMiddleware(opts.Idempotency))
	}

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		if opts.Identity != nil {
			r.Use(AuthMiddleware(opts.Identity))
		}

		r.Post("/units", s.handleMintUnit)
		r.Get("/units/{unitID}", s.handleGetUnit)
		r.Post("/units/{unitID}/events", s.handleAppendEvent)
		r.Get("/units/{unitID}/history", s.handleHistory)
		r.Get("/units/{unitID}/snapshot", s.handleSnapshot)
		r.Get("/units/{unitID}/score", s.handleScore)
		r.Post("/units/{unitID}/export", s.handleExport)

		r.Post("/samples", s.handleSubmitSample)

		r.Post("/escrows", s.handleCreateEscrow)
		r.Get("/escrows/{escrowID}", s.handleEscrowStatus)
		r.Post("/escrows/{escrowID}/settle", s.handleSettle)

		r.Get("/activity", s.handleActivity)
	})

	return r
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	ok, detail := s.mirror.Verify()
	status := map[string]any{"status": "ok", "ledger_entries": s.mirror.Length()}
	code := http.StatusOK
	if !ok {
		status["status"] = "degraded"
		status["detail"] = detail
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// MintUnitRequest registers a new physical unit.
type MintUnitRequest struct {
	Descriptor provenance.Descriptor `json:"descriptor"`
}

// MintUnitResponse carries the assigned unit id.
type MintUnitResponse struct {
	UnitID    string `json:"unit_id"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

func (s *Service) handleMintUnit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req MintUnitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Descriptor.Manufacturer == "" {
		WriteBadRequest(w, "Missing required field: descriptor.manufacturer")
		return
	}

	idemKey := r.Header.Get("Idempotency-Key")
	unitID, err := s.units.Mint(r.Context(), req.Descriptor, idemKey)
	if err != nil {
		if errors.Is(err, provenance.ErrDuplicateSKUBatch) && unitID != "" {
			// Replay of a seen idempotency key: surface the original unit.
			writeJSON(w, http.StatusOK, MintUnitResponse{UnitID: unitID, Duplicate: true})
			return
		}
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, MintUnitResponse{UnitID: unitID})
}

func (s *Service) handleGetUnit(w http.ResponseWriter, r *http.Request) {
	rec, err := s.units.Get(r.Context(), chi.URLParam(r, "unitID"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// AppendEventRequest adds a custody event to a unit's history.
type AppendEventRequest struct {
	Kind        provenance.EventKind `json:"kind"`
	Description string               `json:"description,omitempty"`
	Location    string               `json:"location,omitempty"`
	Payload     map[string]any       `json:"payload,omitempty"`
	Actor       string               `json:"actor"`
}

func (s *Service) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req AppendEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Kind == "" || req.Actor == "" {
		WriteBadRequest(w, "Missing required fields: kind, actor")
		return
	}
	if actor, ok := ActorFromContext(r.Context()); ok && actor.Name != req.Actor {
		WriteForbidden(w, "actor does not match authenticated identity")
		return
	}

	proofRef, err := s.units.AppendEvent(r.Context(), chi.URLParam(r, "unitID"), provenance.Event{
		Kind:        req.Kind,
		Description: req.Description,
		Location:    req.Location,
		Payload:     req.Payload,
		Actor:       req.Actor,
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"proof_ref": proofRef})
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.units.History(r.Context(), chi.URLParam(r, "unitID"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": history})
}

func (s *Service) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.units.Snapshot(r.Context(), chi.URLParam(r, "unitID"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Service) handleScore(w http.ResponseWriter, r *http.Request) {
	report, err := s.scorer.Score(r.Context(), chi.URLParam(r, "unitID"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Service) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		WriteServiceUnavailable(w, "bundle export is not configured")
		return
	}
	hash, err := s.exporter.Export(r.Context(), chi.URLParam(r, "unitID"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"bundle_hash": hash})
}

// SubmitSampleResponse reports the outcome of ingestion plus verification.
type SubmitSampleResponse struct {
	SampleID string `json:"sample_id"`
	Verified bool   `json:"verified"`
	ProofRef string `json:"proof_ref,omitempty"`
}

func (s *Service) handleSubmitSample(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	// Validate against the wire schema before decoding into the domain type,
	// so malformed submissions fail with a precise reason.
	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := s.sampleSchema.Validate(raw); err != nil {
		WriteUnprocessable(w, "sample schema validation failed: "+err.Error())
		return
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	var sample oracle.Sample
	if err := json.Unmarshal(encoded, &sample); err != nil {
		WriteBadRequest(w, "Invalid sample payload")
		return
	}

	sampleID, err := s.oracle.Submit(r.Context(), sample)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	verified, proofRef, err := s.oracle.Verify(r.Context(), sampleID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, SubmitSampleResponse{
		SampleID: sampleID,
		Verified: verified,
		ProofRef: string(proofRef),
	})
}

// CreateEscrowRequest opens a conditional payment agreement.
type CreateEscrowRequest struct {
	UnitID             string         `json:"unit_id"`
	Payer              string         `json:"payer"`
	Payee              string         `json:"payee"`
	Amount             payments.Money `json:"amount"`
	Conditions         sla.Conditions `json:"conditions"`
	ExpectedDeliveryBy time.Time      `json:"expected_delivery_by"`
	Sources            []string       `json:"sources,omitempty"`
}

func (s *Service) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req CreateEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.UnitID == "" || req.Payer == "" || req.Payee == "" {
		WriteBadRequest(w, "Missing required fields: unit_id, payer, payee")
		return
	}

	escrowID, err := s.escrows.Create(r.Context(), req.UnitID, req.Payer, req.Payee, req.Amount, req.Conditions, req.ExpectedDeliveryBy)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if len(req.Sources) > 0 {
		s.oracle.Bind(req.UnitID, req.Sources...)
	}
	writeJSON(w, http.StatusCreated, map[string]any{"escrow_id": escrowID})
}

func (s *Service) handleEscrowStatus(w http.ResponseWriter, r *http.Request) {
	a, err := s.escrows.Status(r.Context(), chi.URLParam(r, "escrowID"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Service) handleSettle(w http.ResponseWriter, r *http.Request) {
	verdict, err := s.escrows.EvaluateAndSettle(r.Context(), chi.URLParam(r, "escrowID"))
	if errors.Is(err, escrow.ErrNotOpen) {
		// Replay of a terminal escrow: same verdict, no funds moved.
		w.Header().Set("Settlement-Replay", "true")
		writeJSON(w, http.StatusOK, verdict)
		return
	}
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}

func (s *Service) handleActivity(w http.ResponseWriter, r *http.Request) {
	n := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 1000 {
			WriteBadRequest(w, "limit must be an integer between 1 and 1000")
			return
		}
		n = parsed
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.mirror.Recent(n)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
