package handler

import (
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/freshledger/internal/ledger"
	"go.uber.org/zap"
)

// LedgerHandler exposes read-only HTTP endpoints for the namespaced ledgers.
type LedgerHandler struct {
	ledgers map[string]*ledger.Ledger
	logger  *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler serving every given ledger
// under its namespace.
func NewLedgerHandler(logger *zap.Logger, ledgers ...*ledger.Ledger) *LedgerHandler {
	m := make(map[string]*ledger.Ledger, len(ledgers))
	for _, l := range ledgers {
		m[l.Namespace()] = l
	}
	return &LedgerHandler{ledgers: m, logger: logger}
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledgers/:namespace", h.resolve)
	{
		l.GET("", h.Overview)
		l.GET("/verify", h.Verify)
		l.GET("/blocks", h.ListBlocks)
		l.GET("/blocks/:idx", h.GetBlock)
		l.GET("/transactions", h.ListTransactions)
		l.GET("/transactions/:blockchainId", h.GetTransaction)
	}
}

const ledgerKey = "freshledger_ledger"

// resolve looks up the ledger named in the path and aborts with 404 when
// there is none.
func (h *LedgerHandler) resolve(c *gin.Context) {
	l, ok := h.ledgers[c.Param("namespace")]
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown ledger namespace"})
		return
	}
	c.Set(ledgerKey, l)
	c.Next()
}

func ledgerFromCtx(c *gin.Context) *ledger.Ledger {
	return c.MustGet(ledgerKey).(*ledger.Ledger)
}

// storeError logs err and writes a generic 500.
func (h *LedgerHandler) storeError(c *gin.Context, l *ledger.Ledger, op string, err error) {
	h.logger.Error(op, zap.String("namespace", l.Namespace()), zap.Error(err))
	if errors.Is(err, ledger.ErrStoreUnavailable) {
		RecordStoreFailure(l.Namespace())
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
}

// Overview handles GET /ledgers/:namespace. Returns the chain length, root
// hash and number of unsealed transactions.
func (h *LedgerHandler) Overview(c *gin.Context) {
	l := ledgerFromCtx(c)
	c.JSON(http.StatusOK, gin.H{
		"namespace": l.Namespace(),
		"blocks":    l.Len(),
		"root":      l.Root(),
		"pending":   l.Pending(),
	})
}

// Verify handles GET /ledgers/:namespace/verify. Reloads the chain and
// reports its integrity.
func (h *LedgerHandler) Verify(c *gin.Context) {
	l := ledgerFromCtx(c)

	if err := l.Verify(c.Request.Context()); err != nil {
		if !errors.Is(err, ledger.ErrChainBroken) {
			h.storeError(c, l, "ledger verify", err)
			return
		}
		h.logger.Warn("ledger integrity check failed", zap.String("namespace", l.Namespace()), zap.Error(err))
		c.JSON(http.StatusOK, gin.H{
			"valid": false,
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// ListBlocks handles GET /ledgers/:namespace/blocks.
func (h *LedgerHandler) ListBlocks(c *gin.Context) {
	l := ledgerFromCtx(c)
	if err := l.Load(c.Request.Context()); err != nil {
		h.storeError(c, l, "ledger load", err)
		return
	}
	blocks := l.Blockchain()
	c.JSON(http.StatusOK, gin.H{"blocks": blocks, "count": len(blocks)})
}

// GetBlock handles GET /ledgers/:namespace/blocks/:idx. Returns a single block.
func (h *LedgerHandler) GetBlock(c *gin.Context) {
	l := ledgerFromCtx(c)

	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil || idx < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idx must be a non-negative integer"})
		return
	}

	b, err := l.Block(idx)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "block not found"})
		return
	}

	c.JSON(http.StatusOK, b)
}

// ListTransactions handles GET /ledgers/:namespace/transactions. Returns
// every non-empty record, newest first.
func (h *LedgerHandler) ListTransactions(c *gin.Context) {
	l := ledgerFromCtx(c)

	all, err := l.AllTransactions(c.Request.Context())
	if err != nil {
		h.storeError(c, l, "ledger transactions", err)
		return
	}

	txs := make([]ledger.Transaction, 0, len(all))
	for _, tx := range all {
		if !tx.IsZero() {
			txs = append(txs, tx)
		}
	}
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].Timestamp > txs[j].Timestamp })

	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

// GetTransaction handles GET /ledgers/:namespace/transactions/:blockchainId.
// Returns the first record for the identifier.
func (h *LedgerHandler) GetTransaction(c *gin.Context) {
	l := ledgerFromCtx(c)

	tx, err := l.TransactionByBlockchainID(c.Request.Context(), c.Param("blockchainId"))
	if err != nil {
		if errors.Is(err, ledger.ErrTransactionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
			return
		}
		h.storeError(c, l, "ledger transaction lookup", err)
		return
	}

	c.JSON(http.StatusOK, tx)
}
