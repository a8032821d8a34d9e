package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ianktoo/turtle-talk/internal/domain"
	"github.com/ianktoo/turtle-talk/internal/identity"
	"github.com/ianktoo/turtle-talk/internal/store"
)

const maxMissionBytes = 16 << 10

type memoryResponse struct {
	ChildName     string          `json:"childName,omitempty"`
	Topics        []string        `json:"topics"`
	Messages      []domain.Turn   `json:"messages"`
	ActiveMission *domain.Mission `json:"activeMission,omitempty"`
}

// GetMemory returns what is remembered about the current child.
func (h *Handler) GetMemory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := identity.UserIDFromContext(ctx)

	mem, err := h.cfg.Repo.GetMemory(ctx, userID)
	if err != nil {
		slog.Error("Failed to load memory", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to load memory")
		return
	}
	mission, err := h.cfg.Repo.GetActiveMission(ctx, userID)
	if err != nil {
		slog.Error("Failed to load active mission", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to load memory")
		return
	}

	resp := memoryResponse{Topics: []string{}, Messages: []domain.Turn{}, ActiveMission: mission}
	if mem != nil {
		resp.ChildName = mem.ChildName
		if len(mem.Topics) > 0 {
			resp.Topics = mem.Topics
		}
		if len(mem.Messages) > 0 {
			resp.Messages = mem.Messages
		}
	}
	JSON(w, http.StatusOK, resp)
}

// CreateMission records a mission the child picked from a choice set.
func (h *Handler) CreateMission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := identity.UserIDFromContext(ctx)

	var req domain.MissionSuggestion
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMissionBytes)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		Error(w, http.StatusBadRequest, "title is required")
		return
	}

	mission := &domain.Mission{
		ID:          uuid.NewString(),
		ChildID:     userID,
		Title:       req.Title,
		Description: strings.TrimSpace(req.Description),
		Theme:       domain.NormalizeTheme(string(req.Theme)),
		Difficulty:  req.Difficulty,
		Status:      domain.MissionActive,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.cfg.Repo.SaveMission(ctx, mission); err != nil {
		slog.Error("Failed to save mission", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to save mission")
		return
	}

	slog.Info("Mission accepted", "user_id", userID, "mission_id", mission.ID, "theme", mission.Theme)
	JSON(w, http.StatusCreated, mission)
}

// CompleteMission marks one of the child's active missions as done.
func (h *Handler) CompleteMission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := identity.UserIDFromContext(ctx)
	missionID := chi.URLParam(r, "id")

	err := h.cfg.Repo.CompleteMission(ctx, userID, missionID)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "mission not found")
		return
	}
	if err != nil {
		slog.Error("Failed to complete mission", "error", err, "user_id", userID, "mission_id", missionID)
		Error(w, http.StatusInternalServerError, "failed to complete mission")
		return
	}

	slog.Info("Mission completed", "user_id", userID, "mission_id", missionID)
	w.WriteHeader(http.StatusNoContent)
}
