// README: Wallet handlers; balance reads, order audit trails and cash-outs.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dispatch/internal/modules/ledger"
	"dispatch/internal/types"
)

type WalletHandler struct {
	ledger *ledger.Service
}

func NewWalletHandler(lg *ledger.Service) *WalletHandler {
	return &WalletHandler{ledger: lg}
}

func (h *WalletHandler) Get(c *gin.Context) {
	acct, err := h.ledger.GetAccount(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"account_id": acct.ID,
		"kind":       acct.Kind,
		"balance":    acct.Balance.Amount,
		"currency":   acct.Balance.Currency,
	})
}

type cashOutReq struct {
	CashierID string `json:"cashier_id" binding:"required"`
	Amount    int64  `json:"amount" binding:"required"`
}

// CashOut moves wallet funds to a cashier account, e.g. an in-person top-up
// agent paying out cash.
func (h *WalletHandler) CashOut(c *gin.Context) {
	var req cashOutReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	txn, err := h.ledger.Transfer(c.Request.Context(),
		types.ID(c.Param("id")),
		types.ID(req.CashierID),
		ledger.KindCashier,
		types.Cents(req.Amount),
		ledger.ReasonCashOut,
		nil,
	)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"transaction_id": txn.ID, "amount": txn.Amount.Amount})
}

// OrderTransactions returns the ledger trail for one order.
func (h *WalletHandler) OrderTransactions(c *gin.Context) {
	txns, err := h.ledger.ListByOrder(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"transactions": txns})
}
