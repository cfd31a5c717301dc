package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/dkurganov/partsmarket/internal/model"
)

type missionRequest struct {
	Type        string          `json:"type"`
	TargetValue decimal.Decimal `json:"target_value"`
	RewardType  string          `json:"reward_type"`
	RewardValue decimal.Decimal `json:"reward_value"`
	SortOrder   int             `json:"sort_order"`
	Active      bool            `json:"active"`
}

type missionResponse struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	TargetValue decimal.Decimal `json:"target_value"`
	RewardType  string          `json:"reward_type"`
	RewardValue decimal.Decimal `json:"reward_value"`
	SortOrder   int             `json:"sort_order"`
	Active      bool            `json:"active"`
}

func toMissionResponse(m *model.Mission) missionResponse {
	return missionResponse{
		ID:          m.ID,
		Type:        string(m.Type),
		TargetValue: m.TargetValue,
		RewardType:  string(m.RewardType),
		RewardValue: m.RewardValue,
		SortOrder:   m.SortOrder,
		Active:      m.Active,
	}
}

// CreateMission создаёт новую миссию.
func (h *Handler) CreateMission(w http.ResponseWriter, r *http.Request) {
	var req missionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	m := &model.Mission{
		Type:        model.MissionType(req.Type),
		TargetValue: req.TargetValue,
		RewardType:  model.RewardType(req.RewardType),
		RewardValue: req.RewardValue,
		SortOrder:   req.SortOrder,
		Active:      req.Active,
	}

	id, err := h.service.CreateMission(r.Context(), m)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	m.ID = id
	writeJSON(w, http.StatusCreated, toMissionResponse(m))
}

// UpdateMission обновляет параметры миссии.
func (h *Handler) UpdateMission(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req missionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	m := &model.Mission{
		ID:          id,
		Type:        model.MissionType(req.Type),
		TargetValue: req.TargetValue,
		RewardType:  model.RewardType(req.RewardType),
		RewardValue: req.RewardValue,
		SortOrder:   req.SortOrder,
		Active:      req.Active,
	}

	if err := h.service.UpdateMission(r.Context(), m); err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toMissionResponse(m))
}

// DeleteMission деактивирует миссию. Достигнутый прогресс пользователей
// сохраняется.
func (h *Handler) DeleteMission(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.DeleteMission(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetMission возвращает миссию по идентификатору.
func (h *Handler) GetMission(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	m, err := h.service.GetMission(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toMissionResponse(m))
}

// ListMissions возвращает все миссии, включая неактивные.
func (h *Handler) ListMissions(w http.ResponseWriter, r *http.Request) {
	missions, err := h.service.ListMissions(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := make([]missionResponse, 0, len(missions))
	for i := range missions {
		resp = append(resp, toMissionResponse(&missions[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

type orderStatusRequest struct {
	Status string `json:"status"`
}

// SetOrderStatus переводит заказ в новый статус в рамках допустимых
// переходов исполнения.
func (h *Handler) SetOrderStatus(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")

	var req orderStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.AdminSetOrderStatus(r.Context(), number, model.OrderStatus(req.Status))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(order))
}
