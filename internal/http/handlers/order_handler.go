// README: Order handlers for the request/dispatch/start/complete/cancel flow
// and the refund path.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"dispatch/internal/http/middleware"
	"dispatch/internal/maps"
	"dispatch/internal/modules/assignment"
	"dispatch/internal/modules/order"
	"dispatch/internal/types"
)

type OrderHandler struct {
	orders     *order.Service
	assignment *assignment.Service
	geocoder   maps.Geocoder
}

func NewOrderHandler(orders *order.Service, asg *assignment.Service, geocoder maps.Geocoder) *OrderHandler {
	return &OrderHandler{orders: orders, assignment: asg, geocoder: geocoder}
}

type createOrderReq struct {
	RequesterID     string  `json:"requester_id"`
	Kind            string  `json:"kind" binding:"required"`
	PickupLat       float64 `json:"pickup_lat"`
	PickupLng       float64 `json:"pickup_lng"`
	DropoffLat      float64 `json:"dropoff_lat"`
	DropoffLng      float64 `json:"dropoff_lng"`
	OrderAmount     int64   `json:"order_amount"`
	PaymentMethodID string  `json:"payment_method_id"`
	DistanceMiles   float64 `json:"distance_miles"`
	DurationMinutes float64 `json:"duration_minutes"`
}

type orderResponse struct {
	OrderID     types.ID     `json:"order_id"`
	Kind        order.Kind   `json:"kind"`
	Status      order.Status `json:"status"`
	RequesterID types.ID     `json:"requester_id"`
	AssigneeID  *types.ID    `json:"assignee_id,omitempty"`
	Gross       *int64       `json:"gross,omitempty"`
	PlatformFee *int64       `json:"platform_fee,omitempty"`
	Earnings    *int64       `json:"earnings,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`

	PickupAddress  string `json:"pickup_address,omitempty"`
	DropoffAddress string `json:"dropoff_address,omitempty"`
}

func toOrderResponse(o *order.Order) orderResponse {
	resp := orderResponse{
		OrderID:     o.ID,
		Kind:        o.Kind,
		Status:      o.Status,
		RequesterID: o.RequesterID,
		AssigneeID:  o.AssigneeID,
		CreatedAt:   o.CreatedAt,
	}
	if o.Settled() {
		resp.Gross = &o.Gross.Amount
		resp.PlatformFee = &o.PlatformFee.Amount
		resp.Earnings = &o.Earnings.Amount
	}
	return resp
}

func (h *OrderHandler) Create(c *gin.Context) {
	var req createOrderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	requester := types.ID(req.RequesterID)
	if id, ok := middleware.IdentityFrom(c); ok {
		requester = id.UserID
	}

	o, err := h.orders.Request(c.Request.Context(), order.RequestCommand{
		RequesterID:     requester,
		Kind:            order.Kind(req.Kind),
		Pickup:          types.Point{Lat: req.PickupLat, Lng: req.PickupLng},
		Dropoff:         types.Point{Lat: req.DropoffLat, Lng: req.DropoffLng},
		OrderAmount:     types.Cents(req.OrderAmount),
		PaymentMethodID: req.PaymentMethodID,
		DistanceMiles:   req.DistanceMiles,
		DurationMinutes: req.DurationMinutes,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, toOrderResponse(o))
}

func (h *OrderHandler) Get(c *gin.Context) {
	o, err := h.orders.Get(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	resp := toOrderResponse(o)
	resp.PickupAddress = maps.AddressOrCoords(c.Request.Context(), h.geocoder, o.Pickup)
	resp.DropoffAddress = maps.AddressOrCoords(c.Request.Context(), h.geocoder, o.Dropoff)
	writeJSON(c, http.StatusOK, resp)
}

func (h *OrderHandler) Events(c *gin.Context) {
	events, err := h.orders.ListEvents(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"events": events})
}

// Dispatch runs the assignment engine for a requested order.
func (h *OrderHandler) Dispatch(c *gin.Context) {
	driverID, err := h.assignment.FindAndAssign(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": order.StatusAssigned, "assignee_id": driverID})
}

type startReq struct {
	AssigneeID string `json:"assignee_id"`
}

func (h *OrderHandler) Start(c *gin.Context) {
	var req startReq
	_ = c.ShouldBindJSON(&req)
	assignee := types.ID(req.AssigneeID)
	if id, ok := middleware.IdentityFrom(c); ok && id.Role == types.RoleDriver {
		assignee = id.UserID
	}

	err := h.orders.Start(c.Request.Context(), order.StartCommand{
		OrderID:    types.ID(c.Param("id")),
		AssigneeID: assignee,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": order.StatusInProgress})
}

type completeReq struct {
	ActualDistanceMiles   *float64 `json:"actual_distance_miles"`
	ActualDurationMinutes *float64 `json:"actual_duration_minutes"`
}

func (h *OrderHandler) Complete(c *gin.Context) {
	var req completeReq
	_ = c.ShouldBindJSON(&req)

	o, err := h.orders.Complete(c.Request.Context(), order.CompleteCommand{
		OrderID:               types.ID(c.Param("id")),
		ActualDistanceMiles:   req.ActualDistanceMiles,
		ActualDurationMinutes: req.ActualDurationMinutes,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toOrderResponse(o))
}

type cancelReq struct {
	Reason string `json:"reason"`
}

func (h *OrderHandler) Cancel(c *gin.Context) {
	var req cancelReq
	_ = c.ShouldBindJSON(&req)

	actorType := "requester"
	var actorID *types.ID
	if id, ok := middleware.IdentityFrom(c); ok {
		actorID = &id.UserID
		if id.Role == types.RoleDriver {
			actorType = "assignee"
		}
	}

	err := h.orders.Cancel(c.Request.Context(), order.CancelCommand{
		OrderID:   types.ID(c.Param("id")),
		ActorType: actorType,
		ActorID:   actorID,
		Reason:    req.Reason,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": order.StatusCancelled})
}

type refundReq struct {
	RequesterID string `json:"requester_id"`
	Reason      string `json:"reason"`
}

func (h *OrderHandler) RequestRefund(c *gin.Context) {
	var req refundReq
	_ = c.ShouldBindJSON(&req)

	actor := types.ID(req.RequesterID)
	if id, ok := middleware.IdentityFrom(c); ok {
		actor = id.UserID
	}

	err := h.orders.RequestRefund(c.Request.Context(), order.RefundRequestCommand{
		OrderID: types.ID(c.Param("id")),
		ActorID: actor,
		Reason:  req.Reason,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusAccepted, gin.H{"status": order.StatusRefundPending})
}

type resolveRefundReq struct {
	Approve bool   `json:"approve"`
	AdminID string `json:"admin_id"`
}

func (h *OrderHandler) ResolveRefund(c *gin.Context) {
	var req resolveRefundReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}

	actor := types.ID(req.AdminID)
	if id, ok := middleware.IdentityFrom(c); ok {
		actor = id.UserID
	}

	err := h.orders.ResolveRefund(c.Request.Context(), order.ResolveRefundCommand{
		OrderID: types.ID(c.Param("id")),
		ActorID: actor,
		Approve: req.Approve,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	status := order.StatusRefundDenied
	if req.Approve {
		status = order.StatusRefunded
	}
	writeJSON(c, http.StatusOK, gin.H{"status": status})
}
