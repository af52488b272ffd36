package api

import (
	"net/http"

	"github.com/xraph/reckon"
	"github.com/xraph/reckon/id"
	"github.com/xraph/reckon/reconcile"
	"github.com/xraph/reckon/scope"
)

// StartReconciliationRequest is the body of POST /v1/reconciliations.
// Transactions and ledger entries are optional when the server has a
// data source configured.
type StartReconciliationRequest struct {
	Name          string                  `json:"name"`
	Period        reconcile.Period        `json:"period"`
	Transactions  []reconcile.Transaction `json:"transactions,omitempty"`
	LedgerEntries []reconcile.LedgerEntry `json:"ledger_entries,omitempty"`
}

// ManualMatchRequest is the body of POST /v1/reconciliations/{id}/matches.
type ManualMatchRequest struct {
	TransactionID string `json:"transaction_id"`
	LedgerEntryID string `json:"ledger_entry_id"`
}

func (a *API) startReconciliation(w http.ResponseWriter, r *http.Request) {
	var req StartReconciliationRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	orgID, actorID := scope.Capture(r.Context())
	res, err := a.eng.Reconciler().Start(r.Context(), orgID, reconcile.StartRequest{
		Name:          req.Name,
		Period:        req.Period,
		TriggeredBy:   actorID,
		Transactions:  req.Transactions,
		LedgerEntries: req.LedgerEntries,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (a *API) listReconciliations(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := page(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	recs, err := a.eng.Reconciler().List(r.Context(), scope.OrganizationID(r.Context()), reconcile.ListOpts{
		Status: reconcile.Status(r.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (a *API) getReconciliation(w http.ResponseWriter, r *http.Request) {
	recID, err := parseReconciliationID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	rec, err := a.eng.Reconciler().Status(r.Context(), scope.OrganizationID(r.Context()), recID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) getReconciliationResults(w http.ResponseWriter, r *http.Request) {
	recID, err := parseReconciliationID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	rec, err := a.eng.Reconciler().Results(r.Context(), scope.OrganizationID(r.Context()), recID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) manualMatch(w http.ResponseWriter, r *http.Request) {
	recID, err := parseReconciliationID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req ManualMatchRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	rec, err := a.eng.Reconciler().ManualMatch(r.Context(), scope.OrganizationID(r.Context()), recID, req.TransactionID, req.LedgerEntryID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func parseReconciliationID(r *http.Request) (id.ReconciliationID, error) {
	recID, err := id.ParseReconciliationID(r.PathValue("recId"))
	if err != nil {
		return id.Nil, reckon.NewValidationError("recId", err.Error())
	}
	return recID, nil
}
