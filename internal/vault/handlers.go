package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"github.com/atmx/vault-engine/internal/ledger"
	"github.com/atmx/vault-engine/internal/model"
	"github.com/atmx/vault-engine/internal/oracle"
	"github.com/atmx/vault-engine/internal/registry"
	"github.com/atmx/vault-engine/internal/solvency"
)

// Handler exposes a Service over HTTP. Amounts travel as decimal strings in
// whole token units; USD figures as exact decimal strings.
type Handler struct {
	svc *Service
}

// NewHandler creates the HTTP handlers for svc.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// --- Request/Response types ---

// AmountRequest is the JSON body for the four mutations. Asset is required
// for deposit and withdraw and optional (must be the debt asset) for borrow
// and repay.
type AmountRequest struct {
	Asset  string `json:"asset,omitempty"`
	Amount string `json:"amount"`
}

// PreviewRequest is the JSON body for POST /vaults/{owner}/preview.
type PreviewRequest struct {
	Op     string `json:"op"` // deposit, withdraw, borrow or repay
	Asset  string `json:"asset,omitempty"`
	Amount string `json:"amount"`
}

// CollateralLine is one asset row in a vault response.
type CollateralLine struct {
	Asset               string `json:"asset"`
	Amount              string `json:"amount"`
	ValueUSD            string `json:"value_usd"`
	CollateralFactorBps uint64 `json:"collateral_factor_bps"`
}

// VaultResponse is the priced state of one vault.
type VaultResponse struct {
	Owner                string           `json:"owner"`
	Status               model.Status     `json:"status"`
	Version              uint64           `json:"version"`
	Collateral           []CollateralLine `json:"collateral"`
	DebtAsset            string           `json:"debt_asset"`
	Debt                 string           `json:"debt"`
	TotalCollateralUSD   string           `json:"total_collateral_usd"`
	BorrowLimitUSD       string           `json:"borrow_limit_usd"`
	DebtUSD              string           `json:"debt_usd"`
	AvailableToBorrowUSD string           `json:"available_to_borrow_usd"`
	HealthFactor         string           `json:"health_factor"`
	UtilizationBps       uint64           `json:"utilization_bps"`
	Risk                 model.RiskLevel  `json:"risk"`
}

// MutationResponse is returned for an accepted mutation.
type MutationResponse struct {
	EntryID            string        `json:"entry_id"`
	Op                 string        `json:"op"`
	Asset              string        `json:"asset"`
	Amount             string        `json:"amount"`
	HealthFactorBefore string        `json:"health_factor_before"`
	Vault              VaultResponse `json:"vault"`
}

// PreviewResponse reports what a mutation would do. Solvency rejections are
// a normal preview outcome, not an HTTP error.
type PreviewResponse struct {
	Op                 string         `json:"op"`
	Accepted           bool           `json:"accepted"`
	Reason             string         `json:"reason,omitempty"`
	Message            string         `json:"message,omitempty"`
	HealthFactorBefore string         `json:"health_factor_before,omitempty"`
	After              *VaultResponse `json:"after,omitempty"`
}

// LimitsResponse is returned from GET /vaults/{owner}/borrow-limit.
type LimitsResponse struct {
	Owner                string            `json:"owner"`
	BorrowLimitUSD       string            `json:"borrow_limit_usd"`
	DebtUSD              string            `json:"debt_usd"`
	AvailableToBorrowUSD string            `json:"available_to_borrow_usd"`
	UtilizationBps       uint64            `json:"utilization_bps"`
	MaxBorrow            string            `json:"max_borrow"`
	MaxWithdraw          map[string]string `json:"max_withdraw"`
}

// HealthResponse is returned from GET /vaults/{owner}/health.
type HealthResponse struct {
	Owner           string          `json:"owner"`
	HealthFactor    string          `json:"health_factor"`
	MinHealthFactor string          `json:"min_health_factor"`
	Risk            model.RiskLevel `json:"risk"`
}

// HistoryEntry is one row of the audit trail.
type HistoryEntry struct {
	ID        string    `json:"id"`
	Op        string    `json:"op"`
	Asset     string    `json:"asset,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	Version   uint64    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// --- HTTP Handlers ---

// ListAssets handles GET /api/v1/assets
func (h *Handler) ListAssets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"debt_asset": h.svc.Registry().DebtAsset().ID,
		"assets":     h.svc.Registry().Assets(),
	})
}

// CreateVault handles POST /api/v1/vaults/{owner}
func (h *Handler) CreateVault(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	pos, err := h.svc.CreateVault(r.Context(), owner)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"owner":   pos.Owner,
		"status":  status(pos),
		"version": pos.Version,
	})
}

// GetVault handles GET /api/v1/vaults/{owner}
func (h *Handler) GetVault(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.GetValuation(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.vaultResponse(v.Position, status(v.Position), v.Valuation))
}

// GetBorrowLimit handles GET /api/v1/vaults/{owner}/borrow-limit
func (h *Handler) GetBorrowLimit(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	lim, err := h.svc.GetLimits(r.Context(), owner)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	snap := lim.Valuation
	resp := LimitsResponse{
		Owner:                owner,
		BorrowLimitUSD:       usd(snap.BorrowLimitUSD),
		DebtUSD:              usd(snap.DebtUSD),
		AvailableToBorrowUSD: usd(snap.AvailableToBorrowUSD),
		UtilizationBps:       snap.UtilizationBps,
		MaxBorrow:            model.FormatUnits(lim.MaxBorrow, h.svc.Registry().DebtAsset().Decimals),
		MaxWithdraw:          make(map[string]string, len(lim.MaxWithdraw)),
	}
	for id, amt := range lim.MaxWithdraw {
		if a, err := h.svc.Registry().Lookup(id); err == nil {
			resp.MaxWithdraw[id] = model.FormatUnits(amt, a.Decimals)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetHealth handles GET /api/v1/vaults/{owner}/health
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	hf, err := h.svc.GetHealthFactor(r.Context(), owner)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Owner:           owner,
		HealthFactor:    hf.String(),
		MinHealthFactor: model.FromWad(h.svc.engine.MinHealthFactor()).String(),
		Risk:            hf.Risk(),
	})
}

// GetHistory handles GET /api/v1/vaults/{owner}/history
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.History(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	out := make([]HistoryEntry, 0, len(entries))
	for _, e := range entries {
		he := HistoryEntry{ID: e.ID, Op: string(e.Op), Asset: e.Asset, Version: e.Version, Timestamp: e.Timestamp}
		if a, err := h.svc.Registry().Lookup(e.Asset); err == nil && e.Amount != nil {
			he.Amount = model.FormatUnits(e.Amount, a.Decimals)
		}
		out = append(out, he)
	}
	writeJSON(w, http.StatusOK, out)
}

// Deposit handles POST /api/v1/vaults/{owner}/deposit
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.handleMutation(w, r, solvency.KindDeposit)
}

// Withdraw handles POST /api/v1/vaults/{owner}/withdraw
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.handleMutation(w, r, solvency.KindWithdraw)
}

// Borrow handles POST /api/v1/vaults/{owner}/borrow
func (h *Handler) Borrow(w http.ResponseWriter, r *http.Request) {
	h.handleMutation(w, r, solvency.KindBorrow)
}

// Repay handles POST /api/v1/vaults/{owner}/repay
func (h *Handler) Repay(w http.ResponseWriter, r *http.Request) {
	h.handleMutation(w, r, solvency.KindRepay)
}

func (h *Handler) handleMutation(w http.ResponseWriter, r *http.Request, kind solvency.Kind) {
	var req AmountRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, "invalid request body", "invalid_request", http.StatusBadRequest)
		return
	}
	m, err := h.mutation(kind, req.Asset, req.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	rec, err := h.svc.mutate(r.Context(), chi.URLParam(r, "owner"), m)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	a, _ := h.svc.Registry().Lookup(rec.Entry.Asset)
	writeJSON(w, http.StatusOK, MutationResponse{
		EntryID:            rec.Entry.ID,
		Op:                 string(rec.Entry.Op),
		Asset:              rec.Entry.Asset,
		Amount:             model.FormatUnits(rec.Entry.Amount, a.Decimals),
		HealthFactorBefore: rec.Before.HealthFactor.String(),
		Vault:              h.vaultResponse(rec.Position, status(rec.Position), rec.After),
	})
}

// Preview handles POST /api/v1/vaults/{owner}/preview
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, "invalid request body", "invalid_request", http.StatusBadRequest)
		return
	}
	kind := solvency.Kind(req.Op)
	switch kind {
	case solvency.KindDeposit, solvency.KindWithdraw, solvency.KindBorrow, solvency.KindRepay:
	default:
		writeError(w, fmt.Sprintf("op must be deposit, withdraw, borrow or repay, got %q", req.Op), "invalid_request", http.StatusBadRequest)
		return
	}
	m, err := h.mutation(kind, req.Asset, req.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	res, err := h.svc.Preview(r.Context(), chi.URLParam(r, "owner"), m)
	switch {
	case err == nil:
		after := h.vaultResponse(res.Position, res.Position.Status(), res.After)
		writeJSON(w, http.StatusOK, PreviewResponse{
			Op:                 req.Op,
			Accepted:           true,
			HealthFactorBefore: res.Before.HealthFactor.String(),
			After:              &after,
		})
	case solvency.IsRejection(err) || errors.Is(err, solvency.ErrInsufficientBalance):
		writeJSON(w, http.StatusOK, PreviewResponse{
			Op:      req.Op,
			Reason:  reasonCode(err),
			Message: err.Error(),
		})
	default:
		writeServiceError(w, err)
	}
}

// mutation builds a Mutation from request fields, converting the whole-unit
// amount with the decimals of the asset it moves.
func (h *Handler) mutation(kind solvency.Kind, asset, amount string) (solvency.Mutation, error) {
	reg := h.svc.Registry()
	var a model.Asset
	var err error
	switch kind {
	case solvency.KindDeposit, solvency.KindWithdraw:
		a, err = reg.Collateral(asset)
	default:
		a = reg.DebtAsset()
		if asset != "" && asset != a.ID {
			_, err = reg.Lookup(asset)
			if err == nil {
				err = fmt.Errorf("%w: vault debt is denominated in %s", registry.ErrWrongKind, a.ID)
			}
		}
	}
	if err != nil {
		return solvency.Mutation{}, err
	}

	units, err := model.ParseUnits(amount, a.Decimals)
	if err != nil {
		return solvency.Mutation{}, fmt.Errorf("%w: %q: %v", solvency.ErrInvalidAmount, amount, err)
	}
	return solvency.Mutation{Kind: kind, Asset: asset, Amount: units}, nil
}

func (h *Handler) vaultResponse(p *model.Position, st model.Status, snap model.ValuationSnapshot) VaultResponse {
	reg := h.svc.Registry()
	debt := reg.DebtAsset()
	resp := VaultResponse{
		Owner:                p.Owner,
		Status:               st,
		Version:              p.Version,
		Collateral:           []CollateralLine{},
		DebtAsset:            debt.ID,
		Debt:                 model.FormatUnits(p.DebtBalance(), debt.Decimals),
		TotalCollateralUSD:   usd(snap.TotalCollateralUSD),
		BorrowLimitUSD:       usd(snap.BorrowLimitUSD),
		DebtUSD:              usd(snap.DebtUSD),
		AvailableToBorrowUSD: usd(snap.AvailableToBorrowUSD),
		HealthFactor:         snap.HealthFactor.String(),
		UtilizationBps:       snap.UtilizationBps,
		Risk:                 snap.Risk,
	}
	for _, id := range p.HeldAssets() {
		a, err := reg.Lookup(id)
		if err != nil {
			continue
		}
		resp.Collateral = append(resp.Collateral, CollateralLine{
			Asset:               id,
			Amount:              model.FormatUnits(p.Collateral[id], a.Decimals),
			ValueUSD:            usd(snap.CollateralUSD[id]),
			CollateralFactorBps: a.CollateralFactorBps,
		})
	}
	return resp
}

func usd(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return model.FromWad(v).String()
}

// maxBodyBytes caps mutation and preview request bodies.
const maxBodyBytes = 4 << 10

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeServiceError maps a service error onto an HTTP status.
func writeServiceError(w http.ResponseWriter, err error) {
	code := reasonCode(err)
	switch {
	case errors.Is(err, solvency.ErrInvalidAmount),
		errors.Is(err, registry.ErrUnknownAsset),
		errors.Is(err, registry.ErrWrongKind),
		errors.Is(err, ErrInvalidOwner):
		writeError(w, err.Error(), code, http.StatusBadRequest)
	case errors.Is(err, solvency.ErrInsufficientBalance),
		errors.Is(err, solvency.ErrExceedsBorrowLimit),
		errors.Is(err, solvency.ErrLiquidationRisk):
		writeError(w, err.Error(), code, http.StatusUnprocessableEntity)
	case errors.Is(err, ErrVaultExists), errors.Is(err, ledger.ErrConflict):
		writeError(w, err.Error(), code, http.StatusConflict)
	case errors.Is(err, oracle.ErrUnavailable):
		w.Header().Set("Retry-After", "1")
		writeError(w, err.Error(), code, http.StatusServiceUnavailable)
	default:
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", code, http.StatusInternalServerError)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}
