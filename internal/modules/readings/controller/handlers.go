package controller

import (
	"errors"
	"log/slog"
	"net/http"

	"sensorhub-server/internal/metrics"
	"sensorhub-server/internal/modules/readings/repository"
	"sensorhub-server/internal/modules/readings/service"
	"sensorhub-server/internal/modules/readings/types"
	"sensorhub-server/internal/utils"
)

func (c *readingsControllerImpl) handleCreate(w http.ResponseWriter, r *http.Request) {
	var in types.ReadingInput
	if err := utils.DecodeJSON(w, r, &in); err != nil {
		c.recorder.IngestFailed(metrics.ReasonInvalid)
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := c.service.Ingest(r.Context(), in)
	if errors.Is(err, service.ErrInvalidReading) {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		slog.Error("create reading failed", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to store reading")
		return
	}
	utils.WriteJSON(w, http.StatusCreated, rec)
}

func (c *readingsControllerImpl) handleLatest(w http.ResponseWriter, r *http.Request) {
	rec, err := c.service.Latest(r.Context())
	if errors.Is(err, repository.ErrNotFound) {
		utils.WriteError(w, http.StatusNotFound, "no readings yet")
		return
	}
	if err != nil {
		slog.Error("get latest reading failed", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to load latest reading")
		return
	}
	utils.WriteJSON(w, http.StatusOK, rec)
}

func (c *readingsControllerImpl) handleRecent(w http.ResponseWriter, r *http.Request) {
	readings, err := c.service.Recent(r.Context(), parseLimit(r))
	if err != nil {
		slog.Error("get recent readings failed", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to load readings")
		return
	}
	utils.WriteJSON(w, http.StatusOK, readings)
}
