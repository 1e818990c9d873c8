package httpapi

import (
	"errors"
	"net/http"

	"pkt.systems/editd/api"
	"pkt.systems/editd/internal/core"
	"pkt.systems/editd/internal/identity"
)

func (h *Handler) handleLockAcquire(w http.ResponseWriter, r *http.Request) error {
	id, err := datasetID(r)
	if err != nil {
		return err
	}
	owner, err := h.identity.Identify(r)
	if err != nil {
		if errors.Is(err, identity.ErrNoIdentity) {
			return httpError{Status: http.StatusUnauthorized, Code: "missing_identity", Detail: "request carries no identity"}
		}
		return httpError{Status: http.StatusUnauthorized, Code: "missing_identity", Detail: err.Error()}
	}
	var req api.LockRequest
	if err := decodeOptionalRequest(r, &req); err != nil {
		return err
	}
	resp, err := h.core.Acquire(r.Context(), core.AcquireCommand{
		DatasetID:      id,
		Owner:          owner,
		TimeoutMinutes: req.TimeoutMinutes,
	})
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleLockRelease(w http.ResponseWriter, r *http.Request) error {
	id, err := datasetID(r)
	if err != nil {
		return err
	}
	var req api.UnlockRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	if err := h.core.Release(r.Context(), core.SessionCommand{DatasetID: id, SessionID: req.SessionID}); err != nil {
		return convertCoreError(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *Handler) handleLockRenew(w http.ResponseWriter, r *http.Request) error {
	id, err := datasetID(r)
	if err != nil {
		return err
	}
	var req api.RenewRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	resp, err := h.core.Renew(r.Context(), core.RenewCommand{
		DatasetID:      id,
		SessionID:      req.SessionID,
		TimeoutMinutes: req.TimeoutMinutes,
	})
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleLockStatus(w http.ResponseWriter, r *http.Request) error {
	id, err := datasetID(r)
	if err != nil {
		return err
	}
	resp, err := h.core.Status(r.Context(), id)
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleForceUnlock(w http.ResponseWriter, r *http.Request) error {
	id, err := datasetID(r)
	if err != nil {
		return err
	}
	resp, err := h.core.ForceUnlock(r.Context(), id)
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleCellUpdate(w http.ResponseWriter, r *http.Request) error {
	id, err := datasetID(r)
	if err != nil {
		return err
	}
	var req api.CellUpdateRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	muts := make([]core.Mutation, 0, len(req.Changes))
	for _, c := range req.Changes {
		muts = append(muts, core.CellEdit{
			RowIndex: c.RowIndex,
			Column:   c.ColumnName,
			Value:    c.NewValue,
		})
	}
	return h.mutate(w, r, id, req.SessionID, muts)
}

func (h *Handler) handleRowAdd(w http.ResponseWriter, r *http.Request) error {
	id, err := datasetID(r)
	if err != nil {
		return err
	}
	var req api.RowAddRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	return h.mutate(w, r, id, req.SessionID, []core.Mutation{
		core.RowAdd{Position: req.Position, Data: req.Data},
	})
}

func (h *Handler) handleRowDelete(w http.ResponseWriter, r *http.Request) error {
	id, err := datasetID(r)
	if err != nil {
		return err
	}
	var req api.RowDeleteRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	return h.mutate(w, r, id, req.SessionID, core.RowDeletes(req.RowIndices))
}

func (h *Handler) handleColumnAdd(w http.ResponseWriter, r *http.Request) error {
	id, err := datasetID(r)
	if err != nil {
		return err
	}
	var req api.ColumnAddRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	return h.mutate(w, r, id, req.SessionID, []core.Mutation{
		core.ColumnAdd{Name: req.Name, Type: req.DataType, Default: req.DefaultValue},
	})
}

func (h *Handler) handleColumnDelete(w http.ResponseWriter, r *http.Request) error {
	id, err := datasetID(r)
	if err != nil {
		return err
	}
	var req api.SessionRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	return h.mutate(w, r, id, req.SessionID, []core.Mutation{
		core.ColumnDelete{Name: r.PathValue("name")},
	})
}

func (h *Handler) handleColumnRename(w http.ResponseWriter, r *http.Request) error {
	id, err := datasetID(r)
	if err != nil {
		return err
	}
	var req api.ColumnRenameRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	return h.mutate(w, r, id, req.SessionID, []core.Mutation{
		core.ColumnRename{From: r.PathValue("name"), To: req.NewName},
	})
}

func (h *Handler) mutate(w http.ResponseWriter, r *http.Request, datasetID, sessionID string, muts []core.Mutation) error {
	records, err := h.core.Mutate(r.Context(), core.MutateCommand{
		DatasetID: datasetID,
		SessionID: sessionID,
		Mutations: muts,
	})
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, api.MutateResponse{Changes: records}, nil)
	return nil
}

func (h *Handler) handleCommit(w http.ResponseWriter, r *http.Request) error {
	id, err := datasetID(r)
	if err != nil {
		return err
	}
	var req api.SessionRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	resp, err := h.core.Commit(r.Context(), core.SessionCommand{DatasetID: id, SessionID: req.SessionID})
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleDiscard(w http.ResponseWriter, r *http.Request) error {
	id, err := datasetID(r)
	if err != nil {
		return err
	}
	var req api.SessionRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	resp, err := h.core.Discard(r.Context(), core.SessionCommand{DatasetID: id, SessionID: req.SessionID})
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) error {
	id, err := datasetID(r)
	if err != nil {
		return err
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		return err
	}
	committedOnly, err := queryBool(r, "committed_only", true)
	if err != nil {
		return err
	}
	resp, err := h.core.History(r.Context(), id, limit, committedOnly)
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleUncommitted(w http.ResponseWriter, r *http.Request) error {
	id, err := datasetID(r)
	if err != nil {
		return err
	}
	resp, err := h.core.Uncommitted(r.Context(), id, r.URL.Query().Get("session_id"))
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(http.StatusOK)
	return nil
}
