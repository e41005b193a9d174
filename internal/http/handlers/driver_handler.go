// README: Driver handlers for location heartbeats and shift availability.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dispatch/internal/modules/availability"
	"dispatch/internal/modules/payout"
	"dispatch/internal/types"
)

type DriverHandler struct {
	availability *availability.Service
	payouts      *payout.Service
}

func NewDriverHandler(avail *availability.Service, payouts *payout.Service) *DriverHandler {
	return &DriverHandler{availability: avail, payouts: payouts}
}

type locationReq struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (h *DriverHandler) UpdateLocation(c *gin.Context) {
	var req locationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	err := h.availability.Heartbeat(c.Request.Context(), types.ID(c.Param("id")), types.Point{Lat: req.Lat, Lng: req.Lng})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ok": true})
}

type availabilityReq struct {
	Available bool `json:"available"`
}

func (h *DriverHandler) SetAvailability(c *gin.Context) {
	var req availabilityReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	err := h.availability.SetAvailable(c.Request.Context(), types.ID(c.Param("id")), req.Available)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"available": req.Available})
}

func (h *DriverHandler) Get(c *gin.Context) {
	rec, err := h.availability.Get(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if rec == nil {
		writeError(c, http.StatusNotFound, "driver not seen")
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"driver_id": rec.DriverID,
		"lat":       rec.Position.Lat,
		"lng":       rec.Position.Lng,
		"available": rec.Available,
		"last_seen": rec.LastSeen,
	})
}

func (h *DriverHandler) Payouts(c *gin.Context) {
	batches, err := h.payouts.History(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"payouts": batches})
}
